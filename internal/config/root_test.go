package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/flowctl/internal/exitcode"
	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow_config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestApplyFileFlattensNestedTables(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "[loader]\nminibatch_size = 60\n\n[decision]\nfail_iterations = 100\n")

	root := NewRoot()
	if err := root.ApplyFile(path); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := root.GetInt("loader.minibatch_size", 0); got != 60 {
		t.Fatalf("unexpected loader.minibatch_size: %d", got)
	}
	if got := root.GetInt("decision.fail_iterations", 0); got != 100 {
		t.Fatalf("unexpected decision.fail_iterations: %d", got)
	}
}

func TestApplyFileMissingClassifiesNotFound(t *testing.T) {
	testlog.Start(t)
	root := NewRoot()
	err := root.ApplyFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if exitcode.Classify(err) != exitcode.ClassNotFound {
		t.Fatalf("unexpected classification for %v", err)
	}
}

func TestApplyFileDirectoryClassifiesIsDirectory(t *testing.T) {
	testlog.Start(t)
	root := NewRoot()
	err := root.ApplyFile(t.TempDir())
	if err == nil {
		t.Fatalf("expected error")
	}
	if exitcode.Classify(err) != exitcode.ClassIsDirectory {
		t.Fatalf("unexpected classification for %v", err)
	}
}

func TestApplyOverridesOrderedOnTopOfFile(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "[loader]\nminibatch_size = 60\n")

	root := NewRoot()
	if err := root.ApplyFile(path); err != nil {
		t.Fatalf("apply: %v", err)
	}
	overrides := []string{
		`loader.minibatch_size = 10`,
		`loader.minibatch_size = 25`,
		`decision.snapshot_prefix = "mnist"`,
		`loader.shuffle = true`,
	}
	if err := root.ApplyOverrides(overrides); err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if got := root.GetInt("loader.minibatch_size", 0); got != 25 {
		t.Fatalf("last override must win, got %d", got)
	}
	if got := root.GetString("decision.snapshot_prefix", ""); got != "mnist" {
		t.Fatalf("unexpected snapshot_prefix: %q", got)
	}
	if !root.GetBool("loader.shuffle", false) {
		t.Fatalf("expected loader.shuffle=true")
	}
}

func TestApplyOverridesRejectsMalformedStatement(t *testing.T) {
	testlog.Start(t)
	root := NewRoot()
	for _, stmt := range []string{"no-equals", "= 5", "key =", `key = [unterminated`} {
		if err := root.ApplyOverrides([]string{stmt}); err == nil {
			t.Fatalf("expected error for %q", stmt)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	testlog.Start(t)
	root := NewRoot()
	root.Set("model.lr", 0.01)

	clone := root.Clone()
	clone.Set("model.lr", 0.5)
	clone.Set("model.momentum", 0.9)

	if got := clone.GetInt("common.status.port", 0); got != 8090 {
		t.Fatalf("clone must carry defaults, status port %d", got)
	}
	if v, _ := root.Get("model.lr"); v != 0.01 {
		t.Fatalf("write to clone leaked into original: %v", v)
	}
	if _, ok := root.Get("model.momentum"); ok {
		t.Fatalf("new key on clone leaked into original")
	}
	if v, _ := clone.Get("model.lr"); v != 0.5 {
		t.Fatalf("clone lost its own write: %v", v)
	}
}

func TestDumpIsSortedAndComplete(t *testing.T) {
	testlog.Start(t)
	root := NewRoot()
	root.Set("b.two", int64(2))
	root.Set("a.one", int64(1))

	var buf bytes.Buffer
	root.Dump(&buf)
	out := buf.String()
	if !strings.Contains(out, "a.one = 1") || !strings.Contains(out, "b.two = 2") {
		t.Fatalf("dump missing keys:\n%s", out)
	}
	if strings.Index(out, "a.one") > strings.Index(out, "b.two") {
		t.Fatalf("dump not sorted:\n%s", out)
	}
}
