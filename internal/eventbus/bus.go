// Package eventbus is the terminal's connection to the location-wide
// WebSocket bus: registration, heartbeat, reconnection and typed streams.
package eventbus

import (
	"context"
	"errors"
	"time"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

var (
	ErrNotConnected = errors.New("event bus not connected")
	ErrGaveUp       = errors.New("event bus gave up reconnecting")
)

// Bus is what the rest of the terminal needs from the event bus.
type Bus interface {
	Publish(ctx context.Context, t model.MessageType, data any) error
	// Subscribe returns a stream of every future message of type t.
	Subscribe(t model.MessageType) <-chan model.WSMessage
	Connected() bool
	// GaveUp is closed once the bus stops trying to reconnect.
	GaveUp() <-chan struct{}
}

// Backoff is the delay before reconnection attempt n (zero based): initial,
// doubled every attempt, never more than max.
func Backoff(n int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

const subscriberBuffer = 64
