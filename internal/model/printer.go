package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

type Protocol string

const (
	ProtocolRaw   Protocol = "raw-socket"
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolProxy Protocol = "backend-proxy"
)

// Local reports whether the protocol talks to the printer directly.
func (p Protocol) Local() bool {
	return p == ProtocolRaw || p == ProtocolHTTP || p == ProtocolHTTPS
}

// PrinterAddress is where the receipt printer lives on the site LAN.
type PrinterAddress struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

func (a PrinterAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Endpoint is one entry of the local protocol cascade.
type Endpoint struct {
	Protocol Protocol      `yaml:"protocol"`
	Port     int           `yaml:"port"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Protocol, e.Port)
}

// --- Print attempts ---

type AttemptState string

const (
	AttemptPending AttemptState = "pending"
	AttemptSuccess AttemptState = "success"
	AttemptFailed  AttemptState = "failed"
	AttemptTimeout AttemptState = "timeout"
)

// PrintAttempt is one concrete try over one protocol and port. It is only
// kept in the terminal's local attempt log.
type PrintAttempt struct {
	RunID      string       `json:"run_id"`
	OrderID    string       `json:"order_id"`
	Protocol   Protocol     `json:"protocol"`
	Port       int          `json:"port"`
	State      AttemptState `json:"state"`
	Failure    string       `json:"failure,omitempty"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	ResolvedAt time.Time    `json:"resolved_at,omitempty"`
}

// Resolved returns a copy of the attempt moved to its final state.
func (a PrintAttempt) Resolved(state AttemptState, failure string, err error, at time.Time) PrintAttempt {
	a.State = state
	a.Failure = failure
	if err != nil {
		a.Error = err.Error()
	}
	a.ResolvedAt = at
	return a
}
