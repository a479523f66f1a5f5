// Package agent implements the network-facing role objects for distributed
// runs: a client-role master that dials the coordinating endpoint and
// executes assigned work, and a server-role slave that listens, registers
// peers, and hands out assignments. All control traffic is newline-delimited
// JSON envelopes over a single TCP connection per peer.
package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeRegister    = "node.register"
	controlTypeRegisterAck = "node.register.ack"
	controlTypeHeartbeat   = "session.heartbeat"
	controlTypeAssign      = "job.assign"
	controlTypeReport      = "job.report"
	controlTypeBye         = "session.bye"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

const maxControlLine = 128 * 1024

var (
	ErrInvalidRegistration    = errors.New("agent: invalid registration")
	ErrInvalidRegistrationAck = errors.New("agent: invalid registration ack")
	ErrInvalidAssignment      = errors.New("agent: invalid job assignment")
	ErrInvalidReport          = errors.New("agent: invalid job report")
	ErrControlMessageTooLarge = errors.New("agent: control message too large")
)

// Registration is the master->slave session-start payload.
type Registration struct {
	NodeID   string `json:"node_id"`
	Hostname string `json:"hostname"`
	Workflow string `json:"workflow"`
	PoolSize int    `json:"pool_size"`
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidRegistration)
	}
	if strings.TrimSpace(r.Workflow) == "" {
		return fmt.Errorf("%w: missing workflow", ErrInvalidRegistration)
	}
	return nil
}

// RegistrationAck is the slave->master registration response.
type RegistrationAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	NodeID      string `json:"node_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a RegistrationAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidRegistrationAck)
	}
	if strings.TrimSpace(a.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidRegistrationAck)
	}
	return nil
}

// Heartbeat is the periodic master->slave liveness signal.
type Heartbeat struct {
	NodeID      string `json:"node_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
	RunningJobs int    `json:"running_jobs"`
}

// Assignment is one unit of work the slave hands to a registered master.
type Assignment struct {
	JobID     string   `json:"job_id"`
	Workflow  string   `json:"workflow"`
	Overrides []string `json:"overrides,omitempty"`
}

func (a Assignment) Validate() error {
	if strings.TrimSpace(a.JobID) == "" {
		return fmt.Errorf("%w: missing job_id", ErrInvalidAssignment)
	}
	if strings.TrimSpace(a.Workflow) == "" {
		return fmt.Errorf("%w: missing workflow", ErrInvalidAssignment)
	}
	return nil
}

// Report is the master->slave completion record for one assignment.
type Report struct {
	JobID      string `json:"job_id"`
	NodeID     string `json:"node_id"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMS uint64 `json:"duration_ms"`
}

func (r Report) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return fmt.Errorf("%w: missing job_id", ErrInvalidReport)
	}
	if r.Outcome != OutcomeSucceeded && r.Outcome != OutcomeFailed {
		return fmt.Errorf("%w: invalid outcome %q", ErrInvalidReport, r.Outcome)
	}
	return nil
}

type controlEnvelope struct {
	Type      string           `json:"type"`
	Reg       *Registration    `json:"registration,omitempty"`
	Ack       *RegistrationAck `json:"registration_ack,omitempty"`
	Heartbeat *Heartbeat       `json:"heartbeat,omitempty"`
	Assign    *Assignment      `json:"assignment,omitempty"`
	Report    *Report          `json:"report,omitempty"`
}

func writeEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > maxControlLine {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}

func WriteRegistration(w io.Writer, reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	return writeEnvelope(w, controlEnvelope{Type: controlTypeRegister, Reg: &reg})
}

func ReadRegistration(r *bufio.Reader) (Registration, error) {
	env, err := readEnvelope(r)
	if err != nil {
		return Registration{}, err
	}
	if env.Type != controlTypeRegister || env.Reg == nil {
		return Registration{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidRegistration, env.Type)
	}
	if err := env.Reg.Validate(); err != nil {
		return Registration{}, err
	}
	return *env.Reg, nil
}

func WriteRegistrationAck(w io.Writer, ack RegistrationAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeEnvelope(w, controlEnvelope{Type: controlTypeRegisterAck, Ack: &ack})
}

func ReadRegistrationAck(r *bufio.Reader) (RegistrationAck, error) {
	env, err := readEnvelope(r)
	if err != nil {
		return RegistrationAck{}, err
	}
	if env.Type != controlTypeRegisterAck || env.Ack == nil {
		return RegistrationAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidRegistrationAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return RegistrationAck{}, err
	}
	return *env.Ack, nil
}
