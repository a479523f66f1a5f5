package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/pool"
	"github.com/danmuck/flowctl/internal/testutil/testlog"
	"github.com/danmuck/flowctl/internal/workflow"
)

func TestRegistrationRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	want := Registration{NodeID: "node-1", Hostname: "host1", Workflow: "mnist", PoolSize: 8}
	if err := WriteRegistration(&buf, want); err != nil {
		t.Fatalf("WriteRegistration: %v", err)
	}
	got, err := ReadRegistration(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadRegistration: %v", err)
	}
	if got != want {
		t.Fatalf("registration mismatch: got %+v want %+v", got, want)
	}
}

func TestRegistrationRequiresNodeID(t *testing.T) {
	var buf bytes.Buffer
	err := WriteRegistration(&buf, Registration{Workflow: "mnist"})
	if !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration, got %v", err)
	}
}

func TestRegistrationAckRejectsUnknownStatus(t *testing.T) {
	var buf bytes.Buffer
	err := WriteRegistrationAck(&buf, RegistrationAck{Status: "maybe", NodeID: "node-1", TimestampMS: 1})
	if !errors.Is(err, ErrInvalidRegistrationAck) {
		t.Fatalf("expected ErrInvalidRegistrationAck, got %v", err)
	}
}

func TestReadRegistrationRejectsWrongEnvelope(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRegistrationAck(&buf, RegistrationAck{
		Status: AckStatusAccepted, NodeID: "node-1", TimestampMS: 1,
	}); err != nil {
		t.Fatalf("WriteRegistrationAck: %v", err)
	}
	_, err := ReadRegistration(bufio.NewReader(&buf))
	if !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration, got %v", err)
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tc := range cases {
		if got := NextBackoffDelay(cfg, tc.attempt, nil); got != tc.want {
			t.Fatalf("attempt %d: got %v want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestMasterRequiresServerAddress(t *testing.T) {
	p, err := pool.New(1)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	defer p.Shutdown()
	_, err = NewMaster(MasterConfig{}, noopWorkflow(t), config.NewRoot(), p)
	if !errors.Is(err, ErrServerAddressRequired) {
		t.Fatalf("expected ErrServerAddressRequired, got %v", err)
	}
}

func TestSlaveAssignsAndCollectsReport(t *testing.T) {
	testlog.Start(t)
	slave, err := NewSlave(SlaveConfig{ListenAddr: "127.0.0.1:0", Workflow: "noop"})
	if err != nil {
		t.Fatalf("NewSlave: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slaveDone := make(chan error, 1)
	go func() { slaveDone <- slave.Run(ctx) }()
	addr := waitForAddr(t, slave)

	p, err := pool.New(2)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	defer p.Shutdown()
	master, err := NewMaster(MasterConfig{
		Address:            addr,
		NodeID:             "node-test",
		MaxConnectAttempts: 3,
	}, noopWorkflow(t), config.NewRoot(), p)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	masterDone := make(chan error, 1)
	go func() { masterDone <- master.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		reports := slave.Reports()
		if len(reports) > 0 {
			if reports[0].NodeID != "node-test" {
				t.Fatalf("report node: got %q", reports[0].NodeID)
			}
			if reports[0].Outcome != OutcomeSucceeded {
				t.Fatalf("report outcome: got %q err %q", reports[0].Outcome, reports[0].Error)
			}
			nodes := slave.SnapshotNodes()
			if len(nodes) != 1 || nodes[0].NodeID != "node-test" || !nodes[0].Connected {
				t.Fatalf("node snapshot mismatch: %+v", nodes)
			}
			master.Stop()
			slave.Stop()
			if err := <-masterDone; err != nil {
				t.Fatalf("master run: %v", err)
			}
			if err := <-slaveDone; err != nil {
				t.Fatalf("slave run: %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for report")
}

func TestSlaveStopIsIdempotent(t *testing.T) {
	testlog.Start(t)
	slave, err := NewSlave(SlaveConfig{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewSlave: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- slave.Run(context.Background()) }()
	waitForAddr(t, slave)
	slave.Stop()
	slave.Stop()
	if err := <-done; err != nil {
		t.Fatalf("run after stop: %v", err)
	}
}

func waitForAddr(t *testing.T, s *Slave) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != nil {
			return addr.String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("listener never bound")
	return ""
}

func noopWorkflow(t *testing.T) *workflow.Basic {
	t.Helper()
	wf, err := workflow.FromDefinition(workflow.Definition{
		Name: "noop",
		Units: []workflow.UnitDefinition{
			{Name: "only", Kind: "noop"},
		},
	}, config.NewRoot())
	if err != nil {
		t.Fatalf("FromDefinition: %v", err)
	}
	return wf
}
