package launcher

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Mode is the resolved role of this process in the run topology.
type Mode int

const (
	// Standalone runs the workflow in-process with no agents.
	Standalone Mode = iota
	// Master connects out to a coordinating endpoint and drives the run.
	Master
	// Slave listens for a master and executes work it is handed.
	Slave
)

func (m Mode) String() string {
	switch m {
	case Master:
		return "master"
	case Slave:
		return "slave"
	default:
		return "standalone"
	}
}

var ErrAmbiguousMode = errors.New("launcher: both server and listen addresses set, choose one")

// ResolveMode maps the two address flags onto exactly one mode. Supplying
// both is rejected rather than ranked.
func ResolveMode(serverAddr, listenAddr string) (Mode, error) {
	switch {
	case serverAddr != "" && listenAddr != "":
		return Standalone, ErrAmbiguousMode
	case serverAddr != "":
		return Master, nil
	case listenAddr != "":
		return Slave, nil
	default:
		return Standalone, nil
	}
}

// Endpoint is a host:port pair from an address flag.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint accepts "host:port" and bare ":port"; a missing host means
// the wildcard address.
func ParseEndpoint(raw string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("launcher: bad address %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("launcher: bad port in %q", raw)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// AdvertiseHost rewrites loopback and wildcard hosts to the machine's own
// hostname so remote nodes get an address they can reach back on.
func AdvertiseHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "localhost", "127.0.0.1", "::1":
		if name, err := os.Hostname(); err == nil && name != "" {
			return name
		}
	}
	return host
}

// Advertised returns the endpoint with its host rewritten for remote use.
func (e Endpoint) Advertised() Endpoint {
	return Endpoint{Host: AdvertiseHost(e.Host), Port: e.Port}
}

// NodeList is the set of remote hosts a listening process bootstraps.
type NodeList []string

// ParseNodes splits a comma-separated node flag, trimming blanks.
func ParseNodes(raw string) NodeList {
	var nodes NodeList
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			nodes = append(nodes, part)
		}
	}
	return nodes
}
