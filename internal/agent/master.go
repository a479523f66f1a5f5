package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/pool"
	"github.com/danmuck/flowctl/internal/workflow"
)

var (
	ErrServerAddressRequired = errors.New("agent: server address required")
	ErrRegistrationRejected  = errors.New("agent: registration rejected")
	ErrSessionClosed         = errors.New("agent: session closed")
)

type MasterConfig struct {
	Address            string
	NodeID             string
	Session            SessionConfig
	MaxConnectAttempts int
}

// Master is the client-role agent: it dials the coordinating endpoint,
// registers, keeps a heartbeat, and executes assignments on the worker pool.
type Master struct {
	cfg  MasterConfig
	wf   workflow.Workflow
	root *config.Root
	pool *pool.Pool
	rng  *rand.Rand

	mu      sync.Mutex
	conn    net.Conn
	stopped bool

	runningJobs atomic.Int32
}

func NewMaster(cfg MasterConfig, wf workflow.Workflow, root *config.Root, p *pool.Pool) (*Master, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrServerAddressRequired
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = uuid.NewString()
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Master{
		cfg:  cfg,
		wf:   wf,
		root: root,
		pool: p,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (m *Master) NodeID() string { return m.cfg.NodeID }

// Run connects, registers, and serves assignments until the session closes
// or the context is canceled.
func (m *Master) Run(ctx context.Context) error {
	conn, reader, err := m.connectAndRegister(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go m.heartbeatLoop(hbCtx, conn)

	for {
		env, err := readEnvelope(reader)
		if err != nil {
			if m.isStopped() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent: master read: %w", err)
		}
		switch env.Type {
		case controlTypeAssign:
			if env.Assign == nil {
				return ErrInvalidAssignment
			}
			if err := m.startAssignment(ctx, conn, *env.Assign); err != nil {
				return err
			}
		case controlTypeBye:
			log.Info().Str("node_id", m.cfg.NodeID).Msg("agent.Master session closed by peer")
			return nil
		case controlTypeHeartbeat:
			// liveness only
		default:
			log.Warn().Str("type", env.Type).Msg("agent.Master ignoring unexpected control type")
		}
	}
}

// Stop closes the live session; the read loop then returns cleanly.
func (m *Master) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	if m.conn != nil {
		_ = m.conn.Close()
	}
}

func (m *Master) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Master) connectAndRegister(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	var attempt int
	for {
		attempt++
		conn, reader, err := m.dialAndRegisterOnce(ctx)
		if err == nil {
			m.mu.Lock()
			if m.stopped {
				m.mu.Unlock()
				conn.Close()
				return nil, nil, ErrSessionClosed
			}
			m.conn = conn
			m.mu.Unlock()
			return conn, reader, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", m.cfg.Address).Msg("agent.Master connect failed")
		if errors.Is(err, ErrRegistrationRejected) || !m.shouldRetry(attempt) {
			return nil, nil, err
		}
		if err := m.sleepBackoff(ctx, attempt); err != nil {
			return nil, nil, err
		}
	}
}

func (m *Master) dialAndRegisterOnce(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	dialer := net.Dialer{Timeout: m.cfg.Session.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.cfg.Address)
	if err != nil {
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(m.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)

	hostname, _ := os.Hostname()
	reg := Registration{
		NodeID:   m.cfg.NodeID,
		Hostname: hostname,
		Workflow: m.wf.Name(),
		PoolSize: m.pool.Cap(),
	}
	if err := WriteRegistration(conn, reg); err != nil {
		conn.Close()
		return nil, nil, err
	}
	ack, err := ReadRegistrationAck(reader)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if ack.Status != AckStatusAccepted {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: code=%d message=%q", ErrRegistrationRejected, ack.Code, ack.Message)
	}
	_ = conn.SetDeadline(time.Time{})
	log.Info().Str("node_id", m.cfg.NodeID).Str("addr", m.cfg.Address).Msg("agent.Master registered")
	return conn, reader, nil
}

func (m *Master) shouldRetry(attempt int) bool {
	if m.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < m.cfg.MaxConnectAttempts
}

func (m *Master) sleepBackoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(NextBackoffDelay(m.cfg.Session.Backoff, attempt, m.rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Master) heartbeatLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(m.cfg.Session.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := Heartbeat{
				NodeID:      m.cfg.NodeID,
				TimestampMS: uint64(time.Now().UnixMilli()),
				RunningJobs: int(m.runningJobs.Load()),
			}
			if err := m.writeEnvelope(conn, controlEnvelope{Type: controlTypeHeartbeat, Heartbeat: &hb}); err != nil {
				return
			}
		}
	}
}

// startAssignment applies the assignment's overrides and defers the workflow
// onto the pool; the completion report is written from the pool goroutine.
func (m *Master) startAssignment(ctx context.Context, conn net.Conn, a Assignment) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if len(a.Overrides) > 0 {
		if err := m.root.ApplyOverrides(a.Overrides); err != nil {
			m.report(conn, a.JobID, OutcomeFailed, err, 0)
			return nil
		}
	}
	m.runningJobs.Add(1)
	started := time.Now()
	return m.pool.Submit(func() {
		defer m.runningJobs.Add(-1)
		err := m.wf.Run(ctx)
		outcome := OutcomeSucceeded
		if err != nil {
			outcome = OutcomeFailed
		}
		m.report(conn, a.JobID, outcome, err, time.Since(started))
	})
}

func (m *Master) report(conn net.Conn, jobID, outcome string, runErr error, dur time.Duration) {
	rep := Report{
		JobID:      jobID,
		NodeID:     m.cfg.NodeID,
		Outcome:    outcome,
		DurationMS: uint64(dur.Milliseconds()),
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	if err := m.writeEnvelope(conn, controlEnvelope{Type: controlTypeReport, Report: &rep}); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("agent.Master report write failed")
	}
}

// writeEnvelope serializes writes; heartbeats and reports share the conn.
func (m *Master) writeEnvelope(conn net.Conn, env controlEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrSessionClosed
	}
	return writeEnvelope(conn, env)
}
