// Package remote implements best-effort fleet bootstrap over SSH: launching
// slave processes on remote nodes and starting the shared status server when
// none is listening. Every launch is fire-and-forget; an unreachable node is
// a logged, recoverable partial failure and never aborts the batch.
package remote

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/danmuck/flowctl/internal/observability"
)

var ErrNoAuthMethods = errors.New("remote: no usable ssh auth methods")

// Config controls the remote-shell transport. The connect timeout is kept
// deliberately short so bootstrapping N nodes stays O(1) wall clock per node
// regardless of individual node health.
type Config struct {
	User           string
	Port           int
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	KeyFiles       []string
}

func DefaultConfig() Config {
	return Config{
		Port:           22,
		ConnectTimeout: 500 * time.Millisecond,
		ProbeTimeout:   500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.User == "" {
		if u, err := user.Current(); err == nil {
			c.User = u.Username
		}
	}
	if len(c.KeyFiles) == 0 {
		c.KeyFiles = defaultKeyFiles()
	}
	return c
}

func defaultKeyFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

// NodeOutcome is the per-node result of a batch launch. Outcomes are always
// logged and never surfaced as an error to the batch caller.
type NodeOutcome struct {
	Node string
	Err  error
}

type Bootstrapper struct {
	cfg Config

	// test seams
	execRemote func(host, command string) error
	probe      func(addr string, timeout time.Duration) bool
}

func NewBootstrapper(cfg Config) *Bootstrapper {
	b := &Bootstrapper{cfg: cfg.withDefaults()}
	b.execRemote = b.sshExec
	b.probe = probeTCP
	return b
}

// Launch runs the command line on the host and disconnects without waiting
// for the remote process. Any failure is caught and logged; it never
// propagates.
func (b *Bootstrapper) Launch(host, command string) {
	log.Debug().Str("host", host).Str("command", command).Msg("remote.Launch")
	if err := b.execRemote(host, command); err != nil {
		log.Error().Err(err).Str("host", host).Msg("remote.Launch failed")
	}
}

// LaunchAll launches the command on every node, collecting a per-node
// outcome list. A failed node never short-circuits the rest.
func (b *Bootstrapper) LaunchAll(nodes []string, command string) []NodeOutcome {
	outcomes := make([]NodeOutcome, 0, len(nodes))
	for _, node := range nodes {
		err := b.execRemote(node, command)
		observability.RecordRemoteLaunch(err == nil)
		if err != nil {
			log.Error().Err(err).Str("host", node).Msg("remote.LaunchAll node launch failed")
		} else {
			log.Info().Str("host", node).Msg("remote.LaunchAll node launched")
		}
		outcomes = append(outcomes, NodeOutcome{Node: node, Err: err})
	}
	return outcomes
}

// EnsureStatusServer probes (host, port); when something already accepts
// connections it logs the discovery and does nothing, so repeated calls
// never double-launch. Otherwise it launches the program on the host.
func (b *Bootstrapper) EnsureStatusServer(host string, port int, program string) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if b.probe(addr, b.cfg.ProbeTimeout) {
		log.Info().Str("addr", addr).Msg("remote.EnsureStatusServer discovered an already running status server")
		return
	}
	if program == "" {
		log.Warn().Str("addr", addr).Msg("remote.EnsureStatusServer nothing listening and no status server program resolvable")
		return
	}
	log.Info().Str("addr", addr).Str("program", program).Msg("remote.EnsureStatusServer launching the status server")
	b.Launch(host, program)
}

func probeTCP(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// sshExec opens a remote-shell session, issues the command, and disconnects
// without waiting for exit status or output. Unknown host identities are
// accepted; the operator already controls the node list.
func (b *Bootstrapper) sshExec(host, command string) error {
	auth := b.authMethods()
	if len(auth) == 0 {
		return ErrNoAuthMethods
	}
	clientCfg := &ssh.ClientConfig{
		User:            b.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         b.cfg.ConnectTimeout,
	}
	addr := net.JoinHostPort(host, strconv.Itoa(b.cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return fmt.Errorf("remote: dial %q: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("remote: session %q: %w", addr, err)
	}
	defer session.Close()

	if err := session.Start(command); err != nil {
		return fmt.Errorf("remote: exec on %q: %w", addr, err)
	}
	return nil
}

func (b *Bootstrapper) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	for _, path := range b.cfg.KeyFiles {
		pem, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			log.Debug().Err(err).Str("key", path).Msg("remote.authMethods skipping unreadable key")
			continue
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	return methods
}
