package agent

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrListenAddressRequired = errors.New("agent: listen address required")

type SlaveConfig struct {
	ListenAddr string
	Workflow   string
	Session    SessionConfig
}

// RegisteredNode is the observed state of one connected peer.
type RegisteredNode struct {
	NodeID       string
	Hostname     string
	RemoteAddr   string
	Workflow     string
	PoolSize     int
	RegisteredAt time.Time
	LastSeenAt   time.Time
	ReportCount  uint64
	Connected    bool
}

type nodeState struct {
	meta RegisteredNode
	conn net.Conn
}

// Slave is the server-role agent: it listens for peers, acknowledges their
// registrations, hands each one an assignment, and collects reports.
type Slave struct {
	cfg SlaveConfig

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	nodes   map[string]*nodeState
	reports []Report
	stopped bool

	clientCount atomic.Int64
}

func NewSlave(cfg SlaveConfig) (*Slave, error) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil, ErrListenAddressRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Slave{
		cfg:   cfg,
		conns: make(map[net.Conn]struct{}),
		nodes: make(map[string]*nodeState),
	}, nil
}

// Addr returns the bound listen address once Run has started.
func (s *Slave) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run listens and serves peer sessions until Stop or context cancellation.
func (s *Slave) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()
	log.Info().Str("addr", ln.Addr().String()).Msg("agent.Slave listening")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isStopped() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

// Stop closes the listener and every tracked session. Idempotent.
func (s *Slave) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (s *Slave) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Slave) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Slave) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Slave) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	log.Info().Str("remote", remote).Int64("active_clients", active).Msg("agent.Slave peer connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		log.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("agent.Slave peer disconnected")
	}()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	reg, err := ReadRegistration(reader)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("agent.Slave rejecting malformed registration")
		_ = WriteRegistrationAck(conn, RegistrationAck{
			Status:      AckStatusRejected,
			Code:        1,
			Message:     "malformed registration",
			NodeID:      "unknown",
			TimestampMS: uint64(time.Now().UnixMilli()),
		})
		return
	}
	ack := RegistrationAck{
		Status:      AckStatusAccepted,
		NodeID:      reg.NodeID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if err := WriteRegistrationAck(conn, ack); err != nil {
		log.Error().Err(err).Str("remote", remote).Msg("agent.Slave registration ack write failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})
	s.registerNode(reg, conn, remote)
	log.Info().Str("node_id", reg.NodeID).Str("remote", remote).Str("workflow", reg.Workflow).Msg("agent.Slave registered peer")

	if err := s.assign(conn, reg); err != nil {
		log.Error().Err(err).Str("node_id", reg.NodeID).Msg("agent.Slave assignment write failed")
		return
	}

	for {
		env, err := readEnvelope(reader)
		if err != nil {
			s.markDisconnected(reg.NodeID)
			return
		}
		switch env.Type {
		case controlTypeHeartbeat:
			s.touch(reg.NodeID)
		case controlTypeReport:
			if env.Report == nil || env.Report.Validate() != nil {
				log.Warn().Str("node_id", reg.NodeID).Msg("agent.Slave dropping malformed report")
				continue
			}
			s.recordReport(reg.NodeID, *env.Report)
		default:
			log.Warn().Str("type", env.Type).Str("node_id", reg.NodeID).Msg("agent.Slave ignoring unexpected control type")
		}
	}
}

func (s *Slave) assign(conn net.Conn, reg Registration) error {
	wf := s.cfg.Workflow
	if wf == "" {
		wf = reg.Workflow
	}
	a := Assignment{JobID: uuid.NewString(), Workflow: wf}
	return writeEnvelope(conn, controlEnvelope{Type: controlTypeAssign, Assign: &a})
}

func (s *Slave) registerNode(reg Registration, conn net.Conn, remote string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[reg.NodeID] = &nodeState{
		meta: RegisteredNode{
			NodeID:       reg.NodeID,
			Hostname:     reg.Hostname,
			RemoteAddr:   remote,
			Workflow:     reg.Workflow,
			PoolSize:     reg.PoolSize,
			RegisteredAt: now,
			LastSeenAt:   now,
			Connected:    true,
		},
		conn: conn,
	}
}

func (s *Slave) touch(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.nodes[nodeID]; ok {
		st.meta.LastSeenAt = time.Now()
	}
}

func (s *Slave) markDisconnected(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.nodes[nodeID]; ok {
		st.meta.Connected = false
	}
}

func (s *Slave) recordReport(nodeID string, rep Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.nodes[nodeID]; ok {
		st.meta.ReportCount++
		st.meta.LastSeenAt = time.Now()
	}
	s.reports = append(s.reports, rep)
	log.Info().Str("node_id", nodeID).Str("job_id", rep.JobID).Str("outcome", rep.Outcome).Uint64("duration_ms", rep.DurationMS).Msg("agent.Slave report received")
}

// SnapshotNodes returns the observed registration state for every peer.
func (s *Slave) SnapshotNodes() []RegisteredNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RegisteredNode, 0, len(s.nodes))
	for _, st := range s.nodes {
		out = append(out, st.meta)
	}
	return out
}

// Reports returns a copy of every completion report received so far.
func (s *Slave) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.reports))
	copy(out, s.reports)
	return out
}
