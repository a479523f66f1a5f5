package snapshot

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

func TestExportThenImportRoundTrip(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "run", "wf.gob")
	st := &State{
		WorkflowName: "mnist",
		SavedAt:      time.Now().UTC().Truncate(time.Second),
		Checkpoint:   map[string]any{"epoch": 4},
	}
	if err := Export(path, st); err != nil {
		t.Fatalf("export: %v", err)
	}

	got, err := Import(path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if got == nil || got.WorkflowName != "mnist" {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.Checkpoint["epoch"] != 4 {
		t.Fatalf("unexpected checkpoint: %+v", got.Checkpoint)
	}
}

func TestImportMissingIsNotFatal(t *testing.T) {
	testlog.Start(t)
	st, err := Import(filepath.Join(t.TempDir(), "absent.gob"))
	if err != nil {
		t.Fatalf("missing snapshot must not error: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil state, got %+v", st)
	}
}

func TestImportEmptyPathIsNoSnapshot(t *testing.T) {
	testlog.Start(t)
	st, err := Import("  ")
	if err != nil || st != nil {
		t.Fatalf("empty path: st=%v err=%v", st, err)
	}
}

func TestImportCorruptFails(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bad.gob")
	if err := os.WriteFile(path, []byte("not a gob"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Import(path); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestFetchLocalPathPassesThrough(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "snap.gob")
	if err := Export(path, &State{WorkflowName: "x"}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if got := Fetch(path, t.TempDir()); got != path {
		t.Fatalf("fetch local: got %q", got)
	}
}

func TestFetchDownloadsHTTPURL(t *testing.T) {
	testlog.Start(t)
	src := filepath.Join(t.TempDir(), "wf.gob")
	if err := Export(src, &State{WorkflowName: "served"}); err != nil {
		t.Fatalf("export: %v", err)
	}
	payload, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	local := Fetch(srv.URL+"/wf.gob", dir)
	if local == "" {
		t.Fatalf("fetch returned empty path")
	}
	st, err := Import(local)
	if err != nil || st == nil || st.WorkflowName != "served" {
		t.Fatalf("downloaded snapshot did not round trip: st=%+v err=%v", st, err)
	}
}

func TestFetchDownloadFailureDegradesToNoSnapshot(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	if got := Fetch(srv.URL+"/missing.gob", t.TempDir()); got != "" {
		t.Fatalf("failed download must degrade to empty path, got %q", got)
	}
}
