// Package broadcast lets a terminal that cannot reach the printer hand an
// order to one that can, and executes such requests coming from others.
package broadcast

import (
	"context"
	"errors"
	"fmt"
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

// ErrUndeliverable means no terminal reported back within the grace period.
// Broadcasts are never retried automatically.
var ErrUndeliverable = errors.New("no terminal confirmed the print")

// Executor prints orders received from other terminals.
type Executor interface {
	Dispatch(ctx context.Context, o model.Order, opts dispatch.Options) (dispatch.Result, error)
	InFlight(orderID string) bool
}

type Guard interface {
	Check(orderID string, createdAt time.Time) guard.Reason
	Forget(orderID string)
}

type Journal interface {
	Log(orderID, runID, message string)
	Notify(n model.Notification)
}

// DefaultGrace is how long an initiator waits for a remote result.
const DefaultGrace = 20 * time.Second

type Config struct {
	Grace time.Duration
}

type Coordinator struct {
	cfg     Config
	session model.Session
	bus     eventbus.Bus
	guard   Guard
	journal Journal
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger

	commands  <-chan model.WSMessage
	completed <-chan model.WSMessage
	failed    <-chan model.WSMessage
	events    <-chan model.WSMessage

	mu      sync.Mutex
	pending map[string]*pending
	// printedElsewhere remembers print-events that arrived before this
	// terminal broadcast the same order.
	printedElsewhere map[string]printedBy
}

type printedBy struct {
	terminal string
	at       time.Time
}

// pending is a broadcast waiting for its result.
type pending struct {
	runID  string
	number string
	timer  clock.Timer
}

// New subscribes to the bus right away so nothing published before Run
// starts is lost.
func New(cfg Config, session model.Session, bus eventbus.Bus, g Guard, j Journal, c clock.Clock, m *metrics.Metrics, log *zap.Logger) *Coordinator {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Coordinator{
		cfg:       cfg,
		session:   session,
		bus:       bus,
		guard:     g,
		journal:   j,
		clock:     c,
		metrics:   m,
		log:       log.With(zap.String("component", "broadcast")),
		commands:  bus.Subscribe(model.MessageTypePrintCommand),
		completed: bus.Subscribe(model.MessageTypePrintCommandCompleted),
		failed:    bus.Subscribe(model.MessageTypePrintCommandFailed),
		events:    bus.Subscribe(model.MessageTypePrintEvent),
		pending:   make(map[string]*pending),

		printedElsewhere: make(map[string]printedBy),
	}
}

// Broadcast publishes a print-command for the order and returns as soon as
// it is on the bus. The outcome arrives later as a notification. manual is
// set for operator retries.
func (c *Coordinator) Broadcast(ctx context.Context, o model.Order, addr model.PrinterAddress, runID string, manual bool) error {
	cmd := model.PrintCommand{
		Manual:        manual,
		Order:         o,
		PrinterIP:     addr.Host,
		PrinterPort:   addr.Port,
		InitiatedBy:   c.session.TerminalID,
		InitiatedFrom: c.session.Operator,
		Timestamp:     c.clock.Now(),
	}

	p := &pending{runID: runID, number: o.DisplayNumber()}
	c.mu.Lock()
	if old := c.pending[o.ID]; old != nil {
		old.timer.Stop()
	}
	c.pending[o.ID] = p
	// Armed under the lock so a result cannot race the timer assignment.
	p.timer = c.clock.AfterFunc(c.cfg.Grace, func() { c.expire(o.ID, runID) })
	c.mu.Unlock()

	if err := c.bus.Publish(ctx, model.MessageTypePrintCommand, cmd); err != nil {
		c.resolve(o.ID, runID)
		c.count("publish-failed")
		return err
	}
	c.log.Info("print command broadcast",
		zap.String("order_id", o.ID), zap.String("run_id", runID), zap.String("printer", addr.String()))
	c.journal.Log(o.ID, runID, "print-command published")

	c.mu.Lock()
	by, ok := c.printedElsewhere[o.ID]
	c.mu.Unlock()
	if ok && c.clock.Now().Sub(by.at) <= c.cfg.Grace {
		c.confirm(o.ID, by.terminal)
	}
	return nil
}

// Announce tells the other terminals that this one printed the order.
func (c *Coordinator) Announce(ctx context.Context, o model.Order, res dispatch.Result) {
	ev := model.PrintEvent{
		OrderID:     o.ID,
		OrderNumber: o.DisplayNumber(),
		PrintedBy:   c.session.TerminalID,
		Path:        fmt.Sprintf("%s:%d", res.Protocol, res.Port),
		Timestamp:   c.clock.Now(),
	}
	if err := c.bus.Publish(ctx, model.MessageTypePrintEvent, ev); err != nil {
		c.log.Debug("failed to publish print event", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// Run serves the bus streams until ctx is done. Commands from other
// terminals are executed on exec, each in its own goroutine.
func (c *Coordinator) Run(ctx context.Context, exec Executor) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-c.commands:
			var cmd model.PrintCommand
			if err := msg.Decode(&cmd); err != nil {
				c.log.Warn("dropping malformed print command", zap.Error(err))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.execute(ctx, exec, cmd)
			}()

		case msg := <-c.completed:
			c.handleResult(msg, true)

		case msg := <-c.failed:
			c.handleResult(msg, false)

		case msg := <-c.events:
			var ev model.PrintEvent
			if err := msg.Decode(&ev); err != nil {
				continue
			}
			c.handleEvent(ev)
		}
	}
}

// execute runs a print-command from another terminal if this terminal is
// the right one to do it.
func (c *Coordinator) execute(ctx context.Context, exec Executor, cmd model.PrintCommand) {
	o := cmd.Order
	log := c.log.With(zap.String("order_id", o.ID), zap.String("initiated_by", cmd.InitiatedBy))

	switch {
	case cmd.InitiatedBy == c.session.TerminalID:
		return
	case !c.session.Capable:
		log.Debug("ignoring print command, terminal cannot reach the printer")
		return
	case !c.session.Accepts(o):
		log.Debug("ignoring print command for another location", zap.String("location", o.Location))
		return
	case exec.InFlight(o.ID):
		log.Debug("ignoring print command, order already printing")
		return
	}
	if cmd.Manual {
		log.Info("executing operator retry")
	} else if reason := c.guard.Check(o.ID, cmd.Timestamp); reason != guard.ReasonNone {
		log.Info("print command suppressed", zap.String("reason", string(reason)))
		if c.metrics != nil {
			c.metrics.Suppressed.WithLabelValues(string(reason)).Inc()
		}
		return
	}

	ctx = context.WithoutCancel(ctx)
	res, err := exec.Dispatch(ctx, o, dispatch.Options{
		Remote:  true,
		Printer: model.PrinterAddress{Host: cmd.PrinterIP, Port: cmd.PrinterPort},
	})
	if errors.Is(err, dispatch.ErrInFlight) {
		return
	}

	result := model.PrintCommandResult{
		OrderID:     o.ID,
		OrderNumber: o.DisplayNumber(),
		Success:     res.Printed(),
		ExecutedBy:  c.session.TerminalID,
		ExecutedOn:  c.session.Operator,
		Timestamp:   c.clock.Now(),
	}
	if !result.Success {
		if err == nil {
			err = fmt.Errorf("run ended in %s", res.State)
		}
		result.Error = err.Error()
		// A retried command for this order must not be suppressed here.
		c.guard.Forget(o.ID)
	}
	if err := c.bus.Publish(ctx, result.MessageType(), result); err != nil {
		log.Warn("failed to publish print result", zap.Error(err))
		return
	}
	if result.Success {
		c.Announce(ctx, o, res)
	}
}

// handleEvent records that another terminal printed an order. A print-event
// for an order we broadcast counts as its confirmation.
func (c *Coordinator) handleEvent(ev model.PrintEvent) {
	if ev.PrintedBy == c.session.TerminalID {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	for id, by := range c.printedElsewhere {
		if now.Sub(by.at) > c.cfg.Grace {
			delete(c.printedElsewhere, id)
		}
	}
	c.printedElsewhere[ev.OrderID] = printedBy{terminal: ev.PrintedBy, at: now}
	c.mu.Unlock()

	c.journal.Log(ev.OrderID, "", fmt.Sprintf("order #%s printed by %s via %s", ev.OrderNumber, ev.PrintedBy, ev.Path))
	c.confirm(ev.OrderID, ev.PrintedBy)
}

// confirm resolves a pending broadcast as printed by terminal.
func (c *Coordinator) confirm(orderID, terminal string) {
	c.mu.Lock()
	p := c.pending[orderID]
	c.mu.Unlock()
	if p == nil || !c.resolve(orderID, p.runID) {
		return
	}
	c.count("completed")
	c.journal.Log(orderID, p.runID, "remote result: printed by "+terminal)
	c.journal.Notify(model.Notification{
		Level:   model.NotifySuccess,
		Title:   "Printed remotely",
		Message: fmt.Sprintf("Order #%s printed by terminal %s", p.number, terminal),
		OrderID: orderID,
		RunID:   p.runID,
		Remote:  true,
	})
}

// handleResult surfaces a result for one of our broadcasts. The first result
// wins; later ones for the same order are only logged.
func (c *Coordinator) handleResult(msg model.WSMessage, success bool) {
	var r model.PrintCommandResult
	if err := msg.Decode(&r); err != nil {
		c.log.Warn("dropping malformed print result", zap.Error(err))
		return
	}
	r.Success = success
	if success {
		if c.Pending(r.OrderID) {
			c.confirm(r.OrderID, r.ExecutedBy)
			return
		}
		c.journal.Log(r.OrderID, "", fmt.Sprintf("terminal %s reports order #%s printed", r.ExecutedBy, r.OrderNumber))
		return
	}

	c.mu.Lock()
	p := c.pending[r.OrderID]
	c.mu.Unlock()
	if p == nil || !c.resolve(r.OrderID, p.runID) {
		c.journal.Log(r.OrderID, "", fmt.Sprintf("terminal %s reports order #%s failed: %s", r.ExecutedBy, r.OrderNumber, r.Error))
		return
	}

	c.count("failed")
	c.journal.Log(r.OrderID, p.runID, "remote result: failed on "+r.ExecutedBy)
	c.journal.Notify(model.Notification{
		Level:   model.NotifyError,
		Title:   "Remote print failed",
		Message: fmt.Sprintf("Terminal %s could not print order #%s: %s", r.ExecutedBy, p.number, r.Error),
		OrderID: r.OrderID,
		RunID:   p.runID,
		Remote:  true,
	})
}

func (c *Coordinator) expire(orderID, runID string) {
	c.mu.Lock()
	p := c.pending[orderID]
	if p == nil || p.runID != runID {
		c.mu.Unlock()
		return
	}
	delete(c.pending, orderID)
	c.mu.Unlock()

	c.count("undeliverable")
	c.journal.Log(orderID, runID, "no remote result within grace period")
	c.journal.Notify(model.Notification{
		Level:   model.NotifyError,
		Title:   "Not printed",
		Message: fmt.Sprintf("Order #%s: %v after %s", p.number, ErrUndeliverable, c.cfg.Grace),
		OrderID: orderID,
		RunID:   runID,
		Remote:  true,
	})
}

// resolve removes the pending broadcast of runID and reports whether it was
// still there.
func (c *Coordinator) resolve(orderID, runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[orderID]
	if p == nil || p.runID != runID {
		return false
	}
	p.timer.Stop()
	delete(c.pending, orderID)
	return true
}

// Pending reports whether a broadcast for the order awaits its result.
func (c *Coordinator) Pending(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[orderID]
	return ok
}

func (c *Coordinator) count(result string) {
	if c.metrics != nil {
		c.metrics.Broadcasts.WithLabelValues(result).Inc()
	}
}
