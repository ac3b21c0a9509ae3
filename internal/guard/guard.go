// Package guard keeps a terminal from auto-printing the same order twice and
// from printing orders that only show up because the change feed replayed
// them.
package guard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/clock"
)

// Reason says which check suppressed an order. ReasonNone lets it through.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonCooldown Reason = "cooldown"
	ReasonSeen     Reason = "already-seen"
	ReasonStale    Reason = "stale"
)

type Config struct {
	// Cooldown rejects a repeat of the last dispatched order.
	Cooldown time.Duration
	// StaleAfter rejects orders created longer ago than this.
	StaleAfter time.Duration
	// ResetEvery clears the seen-set.
	ResetEvery time.Duration
}

type Guard struct {
	cfg   Config
	clock clock.Clock
	log   *zap.Logger

	mu     sync.Mutex
	seen   map[string]time.Time
	lastID string
	lastAt time.Time
}

func New(cfg Config, c clock.Clock, log *zap.Logger) *Guard {
	return &Guard{
		cfg:   cfg,
		clock: c,
		log:   log.With(zap.String("component", "guard")),
		seen:  make(map[string]time.Time),
	}
}

// Check runs the three suppression checks in order: the last-dispatched
// fast path, the seen-set, then staleness. An order that passes is recorded
// before Check returns, so a concurrent delivery of the same order is
// rejected even though no print has started yet.
func (g *Guard) Check(orderID string, createdAt time.Time) Reason {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if orderID == g.lastID && now.Sub(g.lastAt) < g.cfg.Cooldown {
		return ReasonCooldown
	}
	if _, ok := g.seen[orderID]; ok {
		return ReasonSeen
	}
	if g.cfg.StaleAfter > 0 && !createdAt.IsZero() && now.Sub(createdAt) > g.cfg.StaleAfter {
		return ReasonStale
	}

	g.seen[orderID] = now
	g.lastID = orderID
	g.lastAt = now
	return ReasonNone
}

// ShouldSuppress is Check reduced to a yes/no answer.
func (g *Guard) ShouldSuppress(orderID string, createdAt time.Time) bool {
	return g.Check(orderID, createdAt) != ReasonNone
}

// Forget drops an order from the seen-set, used when an operator explicitly
// asks for a reprint.
func (g *Guard) Forget(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, orderID)
	if g.lastID == orderID {
		g.lastID = ""
	}
}

// Reset clears the seen-set. The last-dispatched scalar survives so the
// cooldown still covers an order dispatched just before the reset.
func (g *Guard) Reset() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.seen)
	g.seen = make(map[string]time.Time)
	return n
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Run clears the seen-set every ResetEvery until ctx is done.
func (g *Guard) Run(ctx context.Context) {
	if g.cfg.ResetEvery <= 0 {
		return
	}
	ticker := g.clock.NewTicker(g.cfg.ResetEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := g.Reset(); n > 0 {
				g.log.Debug("seen-set cleared", zap.Int("orders", n))
			}
		}
	}
}
