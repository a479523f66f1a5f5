package exitcode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestClassifyNotFound(t *testing.T) {
	_, err := os.ReadFile(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatalf("expected read error")
	}
	if got := Classify(err); got != ClassNotFound {
		t.Fatalf("unexpected class: %v", got)
	}
	if For(err) != NotFound {
		t.Fatalf("unexpected code: %d", For(err))
	}
}

func TestClassifyIsDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := os.ReadFile(dir)
	if err == nil {
		t.Fatalf("expected read error")
	}
	if got := Classify(err); got != ClassIsDirectory {
		t.Fatalf("unexpected class: %v", got)
	}
	if For(err) != IsDirectory {
		t.Fatalf("unexpected code: %d", For(err))
	}
}

func TestClassifyPermissionDenied(t *testing.T) {
	err := fmt.Errorf("apply config: %w", syscall.EACCES)
	if got := Classify(err); got != ClassPermissionDenied {
		t.Fatalf("unexpected class: %v", got)
	}
	if For(err) != PermissionDenied {
		t.Fatalf("unexpected code: %d", For(err))
	}
}

func TestClassifyOtherFallsBackToGenericFailure(t *testing.T) {
	err := errors.New("workflow constructor panicked")
	if got := Classify(err); got != ClassOther {
		t.Fatalf("unexpected class: %v", got)
	}
	if For(err) != Failure {
		t.Fatalf("unexpected code: %d", For(err))
	}
}
