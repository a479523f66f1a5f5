// Package launcher resolves the run topology from the address pair, owns the
// run/stop lifecycle, and bridges the single-threaded event loop with the
// worker pool. Master and slave runs delegate their execution to a network
// agent; standalone runs execute the workflow on the pool while the calling
// goroutine drives the loop.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/flowctl/internal/agent"
	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/pool"
	"github.com/danmuck/flowctl/internal/remote"
	"github.com/danmuck/flowctl/internal/workflow"
)

// State is the launcher lifecycle position. stop() is reachable from any
// state and is a no-op once already stopped.
type State int

const (
	StateConstructed State = iota
	StateInitialized
	StateRunning
	StateStopped
)

var (
	ErrNotInitialized     = errors.New("launcher: not initialized")
	ErrAlreadyInitialized = errors.New("launcher: already initialized")
)

// Config is the raw topology input: the two mutually exclusive addresses,
// the node list to bootstrap, and the command line replayed on those nodes.
type Config struct {
	ServerAddr       string
	ListenAddr       string
	Nodes            NodeList
	SkipStatusServer bool
	Args             []string
	Remote           remote.Config
	Agent            agent.SessionConfig
}

type Launcher struct {
	cfg      Config
	root     *config.Root
	mode     Mode
	endpoint Endpoint

	loop      *Loop
	pool      *pool.Pool
	bootstrap *remote.Bootstrapper

	mu       sync.Mutex
	state    State
	wf       workflow.Workflow
	agent    agent.Agent
	graphics *exec.Cmd
	runErr   error
}

// New resolves the run mode from the address pair. Supplying both addresses
// is a configuration error surfaced here, before any side effects.
func New(cfg Config, root *config.Root) (*Launcher, error) {
	mode, err := ResolveMode(cfg.ServerAddr, cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	l := &Launcher{
		cfg:       cfg,
		root:      root,
		mode:      mode,
		loop:      NewLoop(),
		pool:      pool.Default(),
		bootstrap: remote.NewBootstrapper(cfg.Remote),
	}
	switch mode {
	case Master:
		if l.endpoint, err = ParseEndpoint(cfg.ServerAddr); err != nil {
			return nil, err
		}
	case Slave:
		if l.endpoint, err = ParseEndpoint(cfg.ListenAddr); err != nil {
			return nil, err
		}
	}
	log.Info().Str("mode", mode.String()).Msg("launcher.New resolved run mode")
	return l, nil
}

func (l *Launcher) Mode() Mode         { return l.mode }
func (l *Launcher) IsMaster() bool     { return l.mode == Master }
func (l *Launcher) IsSlave() bool      { return l.mode == Slave }
func (l *Launcher) IsStandalone() bool { return l.mode == Standalone }
func (l *Launcher) Loop() *Loop        { return l.loop }
func (l *Launcher) Pool() *pool.Pool   { return l.pool }
func (l *Launcher) Workflow() workflow.Workflow {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wf
}

func (l *Launcher) currentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Initialize binds the workflow, registers the pool shutdown hook, and
// constructs the mode's agent. In slave mode it also ensures the shared
// status server and bootstraps the node list with a rewritten command line.
func (l *Launcher) Initialize(wf workflow.Workflow) error {
	l.mu.Lock()
	if l.state != StateConstructed {
		l.mu.Unlock()
		return ErrAlreadyInitialized
	}
	l.wf = wf
	l.mu.Unlock()

	wf.Rebind(l)
	l.pool.RegisterOnShutdown(l.Stop)

	switch l.mode {
	case Master:
		m, err := agent.NewMaster(agent.MasterConfig{
			Address: l.endpoint.String(),
			Session: l.cfg.Agent,
		}, wf, l.root, l.pool)
		if err != nil {
			return err
		}
		l.setAgent(m)
	case Slave:
		s, err := agent.NewSlave(agent.SlaveConfig{
			ListenAddr: l.endpoint.String(),
			Workflow:   wf.Name(),
			Session:    l.cfg.Agent,
		})
		if err != nil {
			return err
		}
		l.setAgent(s)
		l.initializeFleet()
	default:
		l.startGraphics()
	}

	l.mu.Lock()
	l.state = StateInitialized
	l.mu.Unlock()
	return nil
}

func (l *Launcher) setAgent(a agent.Agent) {
	l.mu.Lock()
	l.agent = a
	l.mu.Unlock()
}

// initializeFleet starts the shared status server unless suppressed, then
// fire-and-forget launches the rewritten command line on every node. The
// rewritten line points each node back at this machine's resolvable
// hostname, never at a loopback or wildcard address.
func (l *Launcher) initializeFleet() {
	if !l.cfg.SkipStatusServer {
		host := l.root.GetString(config.KeyStatusHost, AdvertiseHost(""))
		port := l.root.GetInt(config.KeyStatusPort, 8090)
		program := l.root.GetString(config.KeyStatusProgram, defaultStatusProgram())
		l.bootstrap.EnsureStatusServer(host, port, program)
	}
	if len(l.cfg.Nodes) == 0 {
		return
	}
	command := CommandLine(RewriteForSlaves(l.cfg.Args, l.endpoint.Advertised()))
	log.Info().Int("nodes", len(l.cfg.Nodes)).Str("command", command).Msg("launcher.initializeFleet bootstrapping nodes")
	l.bootstrap.LaunchAll(l.cfg.Nodes, command)
}

// defaultStatusProgram resolves the statusctl binary installed beside the
// running executable; the common.status.program key overrides it.
func defaultStatusProgram() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(exe), "statusctl")
}

// startGraphics spawns the paired plotting process for standalone runs when
// one is configured; stop() waits for it before halting the loop.
func (l *Launcher) startGraphics() {
	program := l.root.GetString(config.KeyGraphicsProgram, "")
	if program == "" {
		return
	}
	cmd := exec.Command(program)
	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Str("program", program).Msg("launcher.startGraphics failed")
		return
	}
	l.mu.Lock()
	l.graphics = cmd
	l.mu.Unlock()
	log.Info().Str("program", program).Int("pid", cmd.Process.Pid).Msg("launcher.startGraphics spawned plotting process")
}

// Run executes the workflow to completion. Master and slave delegate to the
// agent; standalone defers the workflow onto the pool and drives the event
// loop on the calling goroutine until the completion callback stops it.
func (l *Launcher) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateInitialized {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: state=%d", ErrNotInitialized, st)
	}
	l.state = StateRunning
	wf := l.wf
	a := l.agent
	l.mu.Unlock()

	if a != nil {
		err := a.Run(ctx)
		l.Stop()
		return err
	}

	handle, err := l.loop.Defer(l.pool, func() error { return wf.Run(ctx) })
	if err != nil {
		l.Stop()
		return err
	}
	handle.OnComplete(l.loop, func(runErr error) {
		l.mu.Lock()
		l.runErr = runErr
		l.mu.Unlock()
		l.Stop()
	})
	l.loop.Run()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runErr
}

// Stop is idempotent and reachable from any state. Master/slave stop is
// delegated to the agent; standalone waits for the paired plotting process
// before halting the loop so no child is orphaned.
func (l *Launcher) Stop() {
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	l.state = StateStopped
	wf := l.wf
	a := l.agent
	graphics := l.graphics
	l.mu.Unlock()

	if a != nil {
		a.Stop()
	}
	if wf != nil {
		wf.Stop()
	}
	if graphics != nil {
		if err := graphics.Wait(); err != nil {
			log.Warn().Err(err).Msg("launcher.Stop plotting process exited with error")
		}
	}
	l.loop.Stop()
	log.Info().Str("mode", l.mode.String()).Msg("launcher.Stop complete")
}
