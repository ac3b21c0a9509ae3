// Package dispatch drives one print of one order through the local protocol
// cascade, the backend proxy and, for terminals that cannot reach the
// printer, a broadcast to the rest of the location.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/clock"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/metrics"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/printer"
)

var (
	ErrCapabilityDenied = errors.New("terminal cannot reach the printer")
	ErrInFlight         = errors.New("order is already being printed")
	ErrExhausted        = errors.New("every print path failed")
	ErrUnknownOrder     = errors.New("order not known to this terminal")
)

// Runner makes a single print attempt.
type Runner interface {
	Attempt(ctx context.Context, req printer.Request) error
}

// Broadcaster hands an order to whichever terminal can print it, and tells
// the other terminals about orders printed here.
type Broadcaster interface {
	Broadcast(ctx context.Context, o model.Order, addr model.PrinterAddress, runID string, manual bool) error
	Announce(ctx context.Context, o model.Order, res Result)
}

// Journal is where runs leave their trace for the operator.
type Journal interface {
	RecordAttempt(a model.PrintAttempt)
	Log(orderID, runID, message string)
	Notify(n model.Notification)
	Remember(o model.Order)
	Order(id string) (model.Order, bool)
}

type Config struct {
	Cascade []model.Endpoint
	// ProxyTimeout bounds the backend proxy attempt. Zero disables the proxy.
	ProxyTimeout time.Duration
	// BroadcastOnExhaustion lets a capable terminal broadcast after the proxy
	// failed too.
	BroadcastOnExhaustion bool
	// ProxyWhenIncapable sends an incapable terminal through the backend
	// proxy before it broadcasts.
	ProxyWhenIncapable bool
}

type Options struct {
	// AllowBroadcast is false when the run itself executes a print-command
	// for another terminal.
	AllowBroadcast bool
	// Manual runs come from an operator and bypass the in-flight marker.
	Manual bool
	// Remote labels notifications of runs executed for another terminal.
	Remote bool
	// Printer overrides the session's printer address when Host is set.
	Printer model.PrinterAddress
}

type Result struct {
	RunID    string
	OrderID  string
	State    State
	Protocol model.Protocol
	Port     int
	Attempts []model.PrintAttempt
	// Superseded is set when a newer run for the same order started before
	// this one finished. Its outcome is not reported to the operator.
	Superseded bool
}

// Printed reports whether this run put the receipt on paper.
func (r Result) Printed() bool { return r.State == StateDone }

type Engine struct {
	cfg       Config
	session   model.Session
	runner    Runner
	broadcast Broadcaster
	journal   Journal
	metrics   *metrics.Metrics
	clock     clock.Clock
	log       *zap.Logger

	mu       sync.Mutex
	inFlight map[string]int
	latest   map[string]string
}

func New(cfg Config, session model.Session, runner Runner, journal Journal, c clock.Clock, m *metrics.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		session:  session,
		runner:   runner,
		journal:  journal,
		metrics:  m,
		clock:    c,
		log:      log.With(zap.String("component", "dispatch")),
		inFlight: make(map[string]int),
		latest:   make(map[string]string),
	}
}

// SetBroadcaster wires the broadcast path. Without one an incapable terminal
// ends every run in StateDenied.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcast = b
}

func (e *Engine) Session() model.Session { return e.session }

// InFlight reports whether a run for the order is in progress.
func (e *Engine) InFlight(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight[orderID] > 0
}

// Retry starts a manual run for an order this terminal has already seen.
func (e *Engine) Retry(ctx context.Context, orderID string) (Result, error) {
	o, ok := e.journal.Order(orderID)
	if !ok {
		return Result{OrderID: orderID}, ErrUnknownOrder
	}
	return e.Dispatch(ctx, o, Options{AllowBroadcast: true, Manual: true})
}

// Dispatch runs the state machine for one order until it reaches a terminal
// state. Attempts inside a run are strictly sequential; runs for different
// orders may proceed in parallel.
func (e *Engine) Dispatch(ctx context.Context, o model.Order, opts Options) (Result, error) {
	r, err := e.begin(o, opts)
	if err != nil {
		return Result{OrderID: o.ID, State: StateStart}, err
	}
	e.journal.Remember(o)
	e.notifyStart(r)

	state := StateStart
	for !state.Terminal() {
		next := e.transition(state)(ctx, r)
		if next != state || state == StateAttempt {
			e.journal.Log(o.ID, r.id, fmt.Sprintf("%s -> %s", state, next))
		}
		state = next
	}
	r.result.State = state

	superseded := e.finish(r)
	r.result.Superseded = superseded
	if superseded {
		e.journal.Log(o.ID, r.id, "run superseded by a newer one, outcome not reported")
	} else {
		e.notifyEnd(r)
		// Remote runs are reported by whoever executed the command.
		if state == StateDone && !r.opts.Remote && e.broadcast != nil {
			e.broadcast.Announce(ctx, o, r.result)
		}
	}
	if e.metrics != nil {
		e.metrics.Dispatches.WithLabelValues(string(state)).Inc()
	}

	switch state {
	case StateDone, StateAwaitingRemote:
		return r.result, nil
	case StateDenied:
		return r.result, ErrCapabilityDenied
	default:
		if r.err != nil {
			return r.result, fmt.Errorf("%w: %w", ErrExhausted, r.err)
		}
		return r.result, ErrExhausted
	}
}

// run is the mutable state of one dispatch.
type run struct {
	id     string
	order  model.Order
	opts   Options
	addr   model.PrinterAddress
	next   int
	err    error
	result Result
}

func (e *Engine) begin(o model.Order, opts Options) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[o.ID] > 0 && !opts.Manual {
		return nil, ErrInFlight
	}
	id := uuid.NewString()
	e.inFlight[o.ID]++
	e.latest[o.ID] = id
	if e.metrics != nil {
		e.metrics.InFlight.Inc()
	}

	addr := e.session.Printer
	if opts.Printer.Host != "" {
		addr = opts.Printer
	}
	return &run{
		id:     id,
		order:  o,
		opts:   opts,
		addr:   addr,
		result: Result{RunID: id, OrderID: o.ID},
	}, nil
}

// finish releases the in-flight marker and reports whether a newer run has
// taken over the order.
func (e *Engine) finish(r *run) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight[r.order.ID]--
	if e.inFlight[r.order.ID] <= 0 {
		delete(e.inFlight, r.order.ID)
	}
	if e.metrics != nil {
		e.metrics.InFlight.Dec()
	}
	latest := e.latest[r.order.ID]
	if latest == r.id {
		delete(e.latest, r.order.ID)
		return false
	}
	return true
}

type transitionFunc func(ctx context.Context, r *run) State

func (e *Engine) transition(s State) transitionFunc {
	switch s {
	case StateStart:
		return e.start
	case StateAttempt:
		return e.attempt
	case StateProxy:
		return e.proxy
	case StateBroadcast:
		return e.broadcastOrder
	}
	panic(fmt.Sprintf("dispatch: no transition out of %s", s))
}

func (e *Engine) start(_ context.Context, r *run) State {
	if !e.session.Capable {
		if e.cfg.ProxyWhenIncapable && e.cfg.ProxyTimeout > 0 && r.addr.Host != "" {
			return StateProxy
		}
		if r.opts.AllowBroadcast && e.broadcast != nil {
			return StateBroadcast
		}
		r.err = ErrCapabilityDenied
		return StateDenied
	}
	if r.addr.Host == "" {
		r.err = errors.New("no printer address configured")
		return StateLocalExhausted
	}
	if len(e.cfg.Cascade) == 0 {
		return StateProxy
	}
	return StateAttempt
}

func (e *Engine) attempt(ctx context.Context, r *run) State {
	ep := e.cfg.Cascade[r.next]
	r.next++
	if e.try(ctx, r, ep.Protocol, r.addr.Host, ep.Port, ep.Timeout) {
		return StateDone
	}
	if ctx.Err() != nil {
		return StateLocalExhausted
	}
	if r.next < len(e.cfg.Cascade) {
		return StateAttempt
	}
	return StateProxy
}

func (e *Engine) proxy(ctx context.Context, r *run) State {
	if e.cfg.ProxyTimeout > 0 && ctx.Err() == nil {
		if e.try(ctx, r, model.ProtocolProxy, r.addr.Host, r.addr.Port, e.cfg.ProxyTimeout) {
			return StateDone
		}
	}
	if (e.cfg.BroadcastOnExhaustion || !e.session.Capable) && r.opts.AllowBroadcast && e.broadcast != nil && ctx.Err() == nil {
		return StateBroadcast
	}
	return StateLocalExhausted
}

func (e *Engine) broadcastOrder(ctx context.Context, r *run) State {
	if err := e.broadcast.Broadcast(ctx, r.order, r.addr, r.id, r.opts.Manual); err != nil {
		r.err = fmt.Errorf("broadcast: %w", err)
		return StateLocalExhausted
	}
	return StateAwaitingRemote
}

// try performs one attempt and records it. It reports success.
func (e *Engine) try(ctx context.Context, r *run, p model.Protocol, host string, port int, timeout time.Duration) bool {
	a := model.PrintAttempt{
		RunID:     r.id,
		OrderID:   r.order.ID,
		Protocol:  p,
		Port:      port,
		State:     model.AttemptPending,
		StartedAt: e.clock.Now(),
	}
	err := e.runner.Attempt(ctx, printer.Request{
		Host:     host,
		Port:     port,
		Protocol: p,
		Order:    r.order,
		Timeout:  timeout,
	})
	now := e.clock.Now()
	if err == nil {
		a = a.Resolved(model.AttemptSuccess, "", nil, now)
		r.result.Protocol, r.result.Port = p, port
	} else {
		kind := printer.Kind(err)
		a = a.Resolved(kind.State(), string(kind), err, now)
		r.err = err
	}
	r.result.Attempts = append(r.result.Attempts, a)
	e.journal.RecordAttempt(a)
	if e.metrics != nil {
		e.metrics.Attempts.WithLabelValues(string(p), string(a.State)).Inc()
		e.metrics.AttemptSeconds.WithLabelValues(string(p)).Observe(now.Sub(a.StartedAt).Seconds())
	}
	return err == nil
}

func (e *Engine) notifyStart(r *run) {
	e.journal.Notify(model.Notification{
		Level:   model.NotifyInfo,
		Title:   "Printing",
		Message: fmt.Sprintf("Printing order #%s", r.order.DisplayNumber()),
		OrderID: r.order.ID,
		RunID:   r.id,
		Remote:  r.opts.Remote,
	})
}

func (e *Engine) notifyEnd(r *run) {
	n := model.Notification{OrderID: r.order.ID, RunID: r.id, Remote: r.opts.Remote}
	number := r.order.DisplayNumber()
	switch r.result.State {
	case StateDone:
		n.Level, n.Title = model.NotifySuccess, "Printed"
		n.Message = fmt.Sprintf("Order #%s printed via %s:%d", number, r.result.Protocol, r.result.Port)
	case StateAwaitingRemote:
		n.Level, n.Title = model.NotifyInfo, "Sent to another terminal"
		n.Message = fmt.Sprintf("Order #%s was handed to a terminal that can reach the printer", number)
	case StateDenied:
		n.Level, n.Title = model.NotifyError, "Cannot print"
		n.Message = fmt.Sprintf("This terminal cannot reach the printer for order #%s", number)
	default:
		n.Level, n.Title = model.NotifyError, "Print failed"
		n.Message = fmt.Sprintf("Order #%s could not be printed", number)
		if r.err != nil {
			n.Message += ": " + r.err.Error()
		}
	}
	e.journal.Notify(n)
}
