package workflow

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/exitcode"
	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

const sampleDefinition = `
name = "sample"

[[units]]
name = "loader"
kind = "counter"

[[units]]
name = "trainer"
kind = "counter"
depends_on = ["loader"]

[[units]]
name = "plotter"
kind = "plot"
depends_on = ["trainer"]
`

func writeDefinition(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	return path
}

type fakeOwner struct {
	master, slave bool
	stopped       bool
}

func (o *fakeOwner) IsMaster() bool     { return o.master }
func (o *fakeOwner) IsSlave() bool      { return o.slave }
func (o *fakeOwner) IsStandalone() bool { return !o.master && !o.slave }
func (o *fakeOwner) Stop()              { o.stopped = true }

func TestResolveLoadsDefinitionFile(t *testing.T) {
	testlog.Start(t)
	path := writeDefinition(t, sampleDefinition)
	wf, err := (Source{Raw: path}).Resolve(config.NewRoot())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if wf.Name() != "sample" || len(wf.Units()) != 3 {
		t.Fatalf("unexpected workflow: %s with %d units", wf.Name(), len(wf.Units()))
	}
}

func TestResolvePrefersRegistry(t *testing.T) {
	testlog.Start(t)
	Register("registered-first", func(root *config.Root) (*Basic, error) {
		return NewBasic("registered-first", root, nil), nil
	})
	wf, err := (Source{Raw: "registered-first"}).Resolve(config.NewRoot())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if wf.Name() != "registered-first" {
		t.Fatalf("registry strategy must run before the file strategy")
	}
}

func TestResolveFallsBackToBaseName(t *testing.T) {
	testlog.Start(t)
	Register("mnist", func(root *config.Root) (*Basic, error) {
		return NewBasic("mnist", root, nil), nil
	})
	wf, err := (Source{Raw: "/nonexistent/dir/mnist.toml"}).Resolve(config.NewRoot())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if wf.Name() != "mnist" {
		t.Fatalf("base-name strategy must match the registry")
	}
}

func TestResolveMissingFileClassifiesNotFound(t *testing.T) {
	testlog.Start(t)
	_, err := (Source{Raw: filepath.Join(t.TempDir(), "missing.toml")}).Resolve(config.NewRoot())
	if err == nil {
		t.Fatalf("expected error")
	}
	if exitcode.Classify(err) != exitcode.ClassNotFound {
		t.Fatalf("unexpected classification: %v", err)
	}
}

func TestResolveDirectoryClassifiesIsDirectory(t *testing.T) {
	testlog.Start(t)
	_, err := (Source{Raw: t.TempDir()}).Resolve(config.NewRoot())
	if err == nil {
		t.Fatalf("expected error")
	}
	if exitcode.Classify(err) != exitcode.ClassIsDirectory {
		t.Fatalf("unexpected classification: %v", err)
	}
}

func TestRunExecutesInDependencyOrderAndSkipsPlottersOnSlave(t *testing.T) {
	testlog.Start(t)
	path := writeDefinition(t, sampleDefinition)
	wf, err := (Source{Raw: path}).Resolve(config.NewRoot())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	wf.Rebind(&fakeOwner{slave: true})
	if err := wf.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, u := range wf.Units() {
		switch u.Kind {
		case "counter":
			if u.Attrs["count"] != int64(1) {
				t.Fatalf("unit %q did not run: %+v", u.Name, u.Attrs)
			}
		case "plot":
			if _, ran := u.Attrs["rendered_at"]; ran {
				t.Fatalf("plotter must be skipped on a slave")
			}
		}
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	testlog.Start(t)
	def := Definition{
		Name: "cyclic",
		Units: []UnitDefinition{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	}
	if _, err := FromDefinition(def, config.NewRoot()); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestSnapshotStateRestores(t *testing.T) {
	testlog.Start(t)
	path := writeDefinition(t, sampleDefinition)
	root := config.NewRoot()
	wf, err := (Source{Raw: path}).Resolve(root)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := wf.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	st := wf.State()

	resumed, err := ResumeFromSnapshot(st, path, root)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	for _, u := range resumed.Units() {
		if u.Kind == "counter" && u.Attrs["count"] != int64(1) {
			t.Fatalf("restored attrs lost: %+v", u.Attrs)
		}
	}
}

func TestGraphRendersDOT(t *testing.T) {
	testlog.Start(t)
	path := writeDefinition(t, sampleDefinition)
	wf, err := (Source{Raw: path}).Resolve(config.NewRoot())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var buf bytes.Buffer
	if err := Graph(wf, &buf, "white"); err != nil {
		t.Fatalf("graph: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`digraph "sample"`, `"loader" -> "trainer"`, `"trainer" -> "plotter"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("graph output missing %q:\n%s", want, out)
		}
	}
}

func TestDumpAttrsTable(t *testing.T) {
	testlog.Start(t)
	path := writeDefinition(t, sampleDefinition)
	wf, err := (Source{Raw: path}).Resolve(config.NewRoot())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := wf.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	var buf bytes.Buffer
	if err := DumpAttrs(wf, &buf, true); err != nil {
		t.Fatalf("dump: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "loader") || !strings.Contains(out, "count") {
		t.Fatalf("attr dump incomplete:\n%s", out)
	}
}
