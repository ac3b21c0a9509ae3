// Package journal holds what the operator can see on a terminal: the log of
// print attempts, a running log of dispatch transitions, and notifications.
// Everything is bounded and in memory; nothing is persisted.
package journal

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/clock"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

type Entry struct {
	At      time.Time `json:"at"`
	OrderID string    `json:"order_id,omitempty"`
	RunID   string    `json:"run_id,omitempty"`
	Message string    `json:"message"`
}

type Journal struct {
	limit int
	clock clock.Clock
	log   *zap.Logger

	mu            sync.Mutex
	attempts      ring[model.PrintAttempt]
	entries       ring[Entry]
	notifications ring[model.Notification]
	orders        map[string]model.Order
	orderQueue    []string
	subscribers   []chan model.Notification
}

func New(limit int, c clock.Clock, log *zap.Logger) *Journal {
	if limit <= 0 {
		limit = 500
	}
	return &Journal{
		limit:         limit,
		clock:         c,
		log:           log.With(zap.String("component", "journal")),
		attempts:      newRing[model.PrintAttempt](limit),
		entries:       newRing[Entry](limit),
		notifications: newRing[model.Notification](limit),
		orders:        make(map[string]model.Order),
	}
}

// RecordAttempt appends a resolved attempt to the attempt log.
func (j *Journal) RecordAttempt(a model.PrintAttempt) {
	j.mu.Lock()
	j.attempts.push(a)
	j.mu.Unlock()

	fields := []zap.Field{
		zap.String("order_id", a.OrderID),
		zap.String("run_id", a.RunID),
		zap.String("protocol", string(a.Protocol)),
		zap.Int("port", a.Port),
		zap.String("state", string(a.State)),
	}
	if a.Error != "" {
		fields = append(fields, zap.String("failure", a.Failure), zap.String("error", a.Error))
	}
	j.log.Info("print attempt", fields...)
}

// Log appends a line to the running log.
func (j *Journal) Log(orderID, runID, message string) {
	j.mu.Lock()
	j.entries.push(Entry{At: j.clock.Now(), OrderID: orderID, RunID: runID, Message: message})
	j.mu.Unlock()
	j.log.Debug(message, zap.String("order_id", orderID), zap.String("run_id", runID))
}

// Notify records a notification and hands it to subscribers without
// blocking; a slow subscriber misses notifications.
func (j *Journal) Notify(n model.Notification) {
	if n.At.IsZero() {
		n.At = j.clock.Now()
	}
	j.mu.Lock()
	j.notifications.push(n)
	subs := append([]chan model.Notification(nil), j.subscribers...)
	j.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}

	fields := []zap.Field{zap.String("order_id", n.OrderID), zap.String("run_id", n.RunID), zap.Bool("remote", n.Remote)}
	switch n.Level {
	case model.NotifyError:
		j.log.Warn(n.Title+": "+n.Message, fields...)
	default:
		j.log.Info(n.Title+": "+n.Message, fields...)
	}
}

// Subscribe returns a channel of future notifications.
func (j *Journal) Subscribe(buffer int) <-chan model.Notification {
	ch := make(chan model.Notification, buffer)
	j.mu.Lock()
	j.subscribers = append(j.subscribers, ch)
	j.mu.Unlock()
	return ch
}

// Remember keeps the latest snapshot of an order so an operator can retry
// it without going back to the order store.
func (j *Journal) Remember(o model.Order) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.orders[o.ID]; !ok {
		j.orderQueue = append(j.orderQueue, o.ID)
		if len(j.orderQueue) > j.limit {
			delete(j.orders, j.orderQueue[0])
			j.orderQueue = j.orderQueue[1:]
		}
	}
	j.orders[o.ID] = o
}

func (j *Journal) Order(id string) (model.Order, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	o, ok := j.orders[id]
	return o, ok
}

func (j *Journal) Attempts() []model.PrintAttempt {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts.items()
}

// AttemptsFor returns the attempts of one order, oldest first.
func (j *Journal) AttemptsFor(orderID string) []model.PrintAttempt {
	var out []model.PrintAttempt
	for _, a := range j.Attempts() {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	return out
}

func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.entries.items()
}

func (j *Journal) Notifications() []model.Notification {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.notifications.items()
}

// ring is a fixed-capacity FIFO that overwrites its oldest element.
type ring[T any] struct {
	buf   []T
	start int
	n     int
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) items() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
