package printer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

// FailureKind classifies why an attempt did not print.
type FailureKind string

const (
	// KindRefused: the host answered but the port is closed.
	KindRefused FailureKind = "refused"
	// KindTimeout: no answer before the deadline (unreachable, unplugged or hung).
	KindTimeout FailureKind = "timeout"
	// KindProtocol: connected, but the printer or proxy rejected the payload.
	KindProtocol FailureKind = "protocol-error"
)

var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrTimeout           = errors.New("timeout")
	ErrProtocol          = errors.New("protocol error")
)

func (k FailureKind) sentinel() error {
	switch k {
	case KindRefused:
		return ErrConnectionRefused
	case KindTimeout:
		return ErrTimeout
	}
	return ErrProtocol
}

// State maps the failure onto the attempt log states.
func (k FailureKind) State() model.AttemptState {
	if k == KindTimeout {
		return model.AttemptTimeout
	}
	return model.AttemptFailed
}

// AttemptError is returned by Runner.Attempt for every failed attempt.
type AttemptError struct {
	Kind     FailureKind
	Protocol model.Protocol
	Addr     string
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Protocol, e.Addr, e.Kind, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Is lets callers match on ErrConnectionRefused, ErrTimeout and ErrProtocol.
func (e *AttemptError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Kind extracts the failure kind from any error returned by a Runner.
// Unclassified errors count as protocol errors.
func Kind(err error) FailureKind {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return classify(err)
}

// classify sorts transport errors: refused is fast and explicit, anything
// that ran into a deadline or never reached the host is a timeout.
func classify(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ETIMEDOUT):
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindTimeout
	}
	return KindProtocol
}
