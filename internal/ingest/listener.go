// Package ingest turns order change-feed events into print dispatches.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/clock"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/dispatch"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/eventbus"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/guard"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/metrics"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

// cancelledTTL is how long a cancellation is remembered.
const cancelledTTL = 10 * time.Minute

type Dispatcher interface {
	Dispatch(ctx context.Context, o model.Order, opts dispatch.Options) (dispatch.Result, error)
}

type Guard interface {
	Check(orderID string, createdAt time.Time) guard.Reason
}

// Store is the pending-orders query used while the event bus is down.
type Store interface {
	PendingOrders(ctx context.Context, location string) ([]model.Order, error)
}

type Config struct {
	PollInterval time.Duration
}

type Listener struct {
	cfg        Config
	session    model.Session
	bus        eventbus.Bus
	store      Store
	guard      Guard
	dispatcher Dispatcher
	clock      clock.Clock
	metrics    *metrics.Metrics
	log        *zap.Logger

	inserts <-chan model.WSMessage
	updates <-chan model.WSMessage

	mu        sync.Mutex
	cancelled map[string]time.Time
	wg        sync.WaitGroup
}

func New(cfg Config, session model.Session, bus eventbus.Bus, store Store, g Guard, d Dispatcher, c clock.Clock, m *metrics.Metrics, log *zap.Logger) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Listener{
		cfg:        cfg,
		session:    session,
		bus:        bus,
		store:      store,
		guard:      g,
		dispatcher: d,
		clock:      c,
		metrics:    m,
		log:        log.With(zap.String("component", "ingest")),
		inserts:    bus.Subscribe(model.MessageTypeNewOrder),
		updates:    bus.Subscribe(model.MessageTypeOrderStatus),
		cancelled:  make(map[string]time.Time),
	}
}

// Run consumes the change feed until ctx is done. When the event bus gives
// up it switches to polling the order store for the rest of its life.
func (l *Listener) Run(ctx context.Context) error {
	defer l.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-l.inserts:
			var o model.Order
			if err := msg.Decode(&o); err != nil {
				l.log.Warn("dropping malformed order event", zap.Error(err))
				continue
			}
			l.Handle(ctx, o)

		case msg := <-l.updates:
			var o model.Order
			if err := msg.Decode(&o); err != nil {
				l.log.Warn("dropping malformed status event", zap.Error(err))
				continue
			}
			l.statusChanged(o)

		case <-l.bus.GaveUp():
			l.log.Warn("event bus is gone, polling the order store", zap.Duration("interval", l.cfg.PollInterval))
			return l.poll(ctx)
		}
	}
}

func (l *Listener) poll(ctx context.Context) error {
	if l.store == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := l.clock.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		orders, err := l.store.PendingOrders(ctx, l.session.Location)
		switch {
		case errors.Is(err, context.Canceled):
		case err != nil:
			l.log.Warn("polling pending orders failed", zap.Error(err))
		default:
			for _, o := range orders {
				l.Handle(ctx, o)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// Handle applies the location filter, the cancellation list and the guard
// to one inserted order and dispatches it when all of them let it through.
// It reports whether a dispatch was started.
func (l *Listener) Handle(ctx context.Context, o model.Order) bool {
	log := l.log.With(zap.String("order_id", o.ID))
	if !l.session.Accepts(o) {
		log.Debug("order for another location", zap.String("location", o.Location))
		return false
	}
	if l.isCancelled(o) {
		log.Info("skipping cancelled order")
		return false
	}
	if reason := l.guard.Check(o.ID, o.CreatedAt); reason != guard.ReasonNone {
		log.Info("order suppressed", zap.String("reason", string(reason)))
		if l.metrics != nil {
			l.metrics.Suppressed.WithLabelValues(string(reason)).Inc()
		}
		return false
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if l.isCancelled(o) {
			log.Info("order cancelled before printing")
			return
		}
		res, err := l.dispatcher.Dispatch(context.WithoutCancel(ctx), o, dispatch.Options{AllowBroadcast: true})
		if err != nil {
			log.Warn("dispatch failed", zap.String("state", string(res.State)), zap.Error(err))
		}
	}()
	return true
}

func (l *Listener) statusChanged(o model.Order) {
	if o.Status != model.OrderStatusCancelled {
		return
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, at := range l.cancelled {
		if now.Sub(at) > cancelledTTL {
			delete(l.cancelled, id)
		}
	}
	l.cancelled[o.ID] = now
	l.log.Info("order cancelled", zap.String("order_id", o.ID))
}

func (l *Listener) isCancelled(o model.Order) bool {
	if o.Status == model.OrderStatusCancelled {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.cancelled[o.ID]
	return ok
}
