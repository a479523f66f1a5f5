package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/exitcode"
	"github.com/danmuck/flowctl/internal/pool"
	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

func writeWorkflowFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "counting.toml")
	def := `
name = "counting"

[[units]]
name = "tick"
kind = "counter"

  [units.attrs]
  count = 0
`
	require.NoError(t, os.WriteFile(path, []byte(def), 0o644))
	return path
}

// writeMeasureWorkflowFile builds a workflow that settles for sleepMS and
// then publishes the model.lr configuration value as its fitness.
func writeMeasureWorkflowFile(t *testing.T, sleepMS int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "measuring.toml")
	def := fmt.Sprintf(`
name = "measuring"

[[units]]
name = "settle"
kind = "sleep"

  [units.attrs]
  duration_ms = %d

[[units]]
name = "score"
kind = "measure"
depends_on = ["settle"]

  [units.attrs]
  key = "model.lr"
`, sleepMS)
	require.NoError(t, os.WriteFile(path, []byte(def), 0o644))
	return path
}

func TestParseDryRunLevel(t *testing.T) {
	cases := []struct {
		raw  string
		want DryRunLevel
	}{
		{"", DryLevelRun},
		{"run", DryLevelRun},
		{"init", DryLevelInit},
		{"load", DryLevelLoad},
		{"none", DryLevelNone},
		{"LOAD", DryLevelLoad},
	}
	for _, tc := range cases {
		got, err := ParseDryRunLevel(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
	_, err := ParseDryRunLevel("sideways")
	assert.ErrorIs(t, err, ErrBadDryRunLevel)
}

func TestParseAttrDumpMode(t *testing.T) {
	for raw, want := range map[string]AttrDumpMode{
		"": DumpOff, "no": DumpOff, "brief": DumpBrief, "all": DumpAll,
	} {
		got, err := ParseAttrDumpMode(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseAttrDumpMode("everything")
	assert.Error(t, err)
}

func TestExecuteFullStandaloneRun(t *testing.T) {
	testlog.Start(t)
	opts := Options{
		Workflow: writeWorkflowFile(t),
		DryRun:   DryLevelRun,
	}
	code := Execute(opts, config.NewRoot())
	assert.Equal(t, exitcode.Success, code)
}

func TestExecuteDryRunLoadStopsEarly(t *testing.T) {
	testlog.Start(t)
	opts := Options{
		Workflow:   writeWorkflowFile(t),
		DryRun:     DryLevelLoad,
		ListenAddr: "127.0.0.1:0", // never bound: the agent is not constructed
	}
	code := Execute(opts, config.NewRoot())
	assert.Equal(t, exitcode.Success, code)
}

func TestExecuteDryRunNoneStopsImmediately(t *testing.T) {
	testlog.Start(t)
	opts := Options{
		Workflow: "does-not-even-resolve",
		DryRun:   DryLevelNone,
	}
	code := Execute(opts, config.NewRoot())
	assert.Equal(t, exitcode.Success, code)
}

func TestExecuteMissingWorkflowMapsToNotFound(t *testing.T) {
	testlog.Start(t)
	opts := Options{
		Workflow: filepath.Join(t.TempDir(), "missing.toml"),
		DryRun:   DryLevelLoad,
	}
	code := Execute(opts, config.NewRoot())
	assert.Equal(t, exitcode.NotFound, code)
}

func TestExecuteDirectoryWorkflowMapsToIsDirectory(t *testing.T) {
	testlog.Start(t)
	opts := Options{
		Workflow: t.TempDir(),
		DryRun:   DryLevelLoad,
	}
	code := Execute(opts, config.NewRoot())
	assert.Equal(t, exitcode.IsDirectory, code)
}

func TestExecuteMissingConfigMapsToNotFound(t *testing.T) {
	testlog.Start(t)
	opts := Options{
		Workflow:   writeWorkflowFile(t),
		ConfigFile: filepath.Join(t.TempDir(), "missing_config.toml"),
		DryRun:     DryLevelInit,
	}
	code := Execute(opts, config.NewRoot())
	assert.Equal(t, exitcode.NotFound, code)
}

func TestExecuteMissingSnapshotProceedsFresh(t *testing.T) {
	testlog.Start(t)
	opts := Options{
		Workflow: writeWorkflowFile(t),
		Snapshot: filepath.Join(t.TempDir(), "no_such_snapshot.bin"),
		DryRun:   DryLevelRun,
	}
	code := Execute(opts, config.NewRoot())
	assert.Equal(t, exitcode.Success, code)
}

func TestExecuteGraphAndAttrDump(t *testing.T) {
	testlog.Start(t)
	graphPath := filepath.Join(t.TempDir(), "graph.dot")
	opts := Options{
		Workflow:  writeWorkflowFile(t),
		DryRun:    DryLevelInit,
		DumpAttrs: DumpAll,
		GraphPath: graphPath,
	}
	code := Execute(opts, config.NewRoot())
	require.Equal(t, exitcode.Success, code)
	data, err := os.ReadFile(graphPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "digraph")
}

func TestExecuteOptimizeSingle(t *testing.T) {
	testlog.Start(t)
	root := config.NewRoot()
	root.Set("optimize.generations", int64(2))
	root.Set("optimize.tunables.model.lr.min", 0.01)
	root.Set("optimize.tunables.model.lr.max", 0.1)
	opts := Options{
		Workflow: writeWorkflowFile(t),
		DryRun:   DryLevelRun,
		Optimize: "single:4",
	}
	code := Execute(opts, root)
	assert.Equal(t, exitcode.Success, code)
}

func TestRunVariantIsolatesConcurrentOverrides(t *testing.T) {
	testlog.Start(t)
	_, err := pool.Reset(4)
	require.NoError(t, err)
	opts := Options{
		Workflow: writeMeasureWorkflowFile(t, 120),
		DryRun:   DryLevelRun,
	}
	root := config.NewRoot()
	ctx := context.Background()

	type outcome struct {
		fitness float64
		err     error
	}
	slow := make(chan outcome, 1)
	go func() {
		f, err := runVariant(ctx, opts, root, []string{"model.lr = 1.0"})
		slow <- outcome{f, err}
	}()
	time.Sleep(40 * time.Millisecond)
	fast, err := runVariant(ctx, opts, root, []string{"model.lr = 2.0"})
	require.NoError(t, err)

	got := <-slow
	require.NoError(t, got.err)
	assert.Equal(t, 1.0, got.fitness, "variant scored under another variant's configuration")
	assert.Equal(t, 2.0, fast)
	if _, ok := root.Get("model.lr"); ok {
		t.Fatal("variant overrides must never land on the shared root")
	}
}

func TestExecuteOptimizeMulti(t *testing.T) {
	testlog.Start(t)
	root := config.NewRoot()
	root.Set(config.KeyPoolSize, int64(4))
	root.Set("optimize.generations", int64(2))
	root.Set("optimize.tunables.model.lr.min", 0.0)
	root.Set("optimize.tunables.model.lr.max", 1.0)
	opts := Options{
		Workflow: writeMeasureWorkflowFile(t, 20),
		DryRun:   DryLevelRun,
		Optimize: "multi:4",
	}
	code := Execute(opts, root)
	assert.Equal(t, exitcode.Success, code)
	if _, ok := root.Get("model.lr"); ok {
		t.Fatal("variant overrides must never land on the shared root")
	}
}

func TestStripBackgroundFlag(t *testing.T) {
	got := stripBackgroundFlag([]string{"--workflow", "mnist", "-b", "--background", "--background=true", "-s", "host1:7000"})
	assert.Equal(t, []string{"--workflow", "mnist", "-s", "host1:7000"}, got)
}

func TestTunablesFromRoot(t *testing.T) {
	root := config.NewRoot()
	root.Set("optimize.tunables.model.lr.min", 0.001)
	root.Set("optimize.tunables.model.lr.max", 0.1)
	root.Set("optimize.tunables.bogus.min", 5.0) // missing max: dropped
	tunables := tunablesFromRoot(root)
	require.Len(t, tunables, 1)
	assert.Equal(t, "model.lr", tunables[0].Key)
	assert.Equal(t, 0.001, tunables[0].Min)
	assert.Equal(t, 0.1, tunables[0].Max)
}
