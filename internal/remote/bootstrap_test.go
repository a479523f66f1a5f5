package remote

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

func newTestBootstrapper() *Bootstrapper {
	return NewBootstrapper(Config{ConnectTimeout: 100 * time.Millisecond, ProbeTimeout: 100 * time.Millisecond})
}

func TestLaunchNeverPropagatesFailure(t *testing.T) {
	testlog.Start(t)
	b := newTestBootstrapper()
	b.execRemote = func(host, command string) error {
		return errors.New("host unreachable")
	}
	// Must not panic and has no error to return.
	b.Launch("nodeX", "/usr/bin/flowctl --version")
}

func TestLaunchAllCollectsOutcomesWithoutShortCircuit(t *testing.T) {
	testlog.Start(t)
	b := newTestBootstrapper()
	var calls atomic.Int32
	b.execRemote = func(host, command string) error {
		calls.Add(1)
		if host == "nodeB" {
			return errors.New("connection refused")
		}
		return nil
	}

	outcomes := b.LaunchAll([]string{"nodeA", "nodeB", "nodeC"}, "run")
	if calls.Load() != 3 {
		t.Fatalf("every node must be attempted, got %d attempts", calls.Load())
	}
	if len(outcomes) != 3 {
		t.Fatalf("want 3 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Err != nil || outcomes[2].Err != nil {
		t.Fatalf("healthy nodes must succeed: %+v", outcomes)
	}
	if outcomes[1].Node != "nodeB" || outcomes[1].Err == nil {
		t.Fatalf("failed node must carry its error: %+v", outcomes[1])
	}
}

func TestEnsureStatusServerSkipsLaunchWhenPortAccepts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	b := newTestBootstrapper()
	var launched atomic.Int32
	b.execRemote = func(host, command string) error {
		launched.Add(1)
		return nil
	}

	port := ln.Addr().(*net.TCPAddr).Port
	b.EnsureStatusServer("127.0.0.1", port, "statusctl")
	b.EnsureStatusServer("127.0.0.1", port, "statusctl")
	if launched.Load() != 0 {
		t.Fatalf("probe success must never launch, launched %d times", launched.Load())
	}
}

func TestEnsureStatusServerLaunchesWhenProbeFails(t *testing.T) {
	testlog.Start(t)
	b := newTestBootstrapper()
	var launched atomic.Int32
	b.execRemote = func(host, command string) error {
		launched.Add(1)
		return nil
	}
	b.probe = func(addr string, timeout time.Duration) bool { return false }

	b.EnsureStatusServer("statushost", 8090, "statusctl")
	if launched.Load() != 1 {
		t.Fatalf("expected exactly one launch, got %d", launched.Load())
	}
}

func TestSSHExecUnreachableHostReturnsQuickly(t *testing.T) {
	testlog.Start(t)
	b := NewBootstrapper(Config{Port: 1, ConnectTimeout: 100 * time.Millisecond})
	start := time.Now()
	// Port 1 on loopback is almost certainly closed; the short connect
	// timeout bounds the attempt either way.
	b.Launch("127.0.0.1", "true")
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("launch took %v, want sub-second failure", elapsed)
	}
}
