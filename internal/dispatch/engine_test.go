package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/clock"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/journal"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/metrics"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/printer"
)

var now = time.Date(2026, 5, 1, 19, 30, 0, 0, time.UTC)

func cascade() []model.Endpoint {
	return []model.Endpoint{
		{Protocol: model.ProtocolHTTP, Port: 80, Timeout: 5 * time.Second},
		{Protocol: model.ProtocolHTTPS, Port: 443, Timeout: 8 * time.Second},
		{Protocol: model.ProtocolRaw, Port: 9100, Timeout: 5 * time.Second},
		{Protocol: model.ProtocolHTTP, Port: 8008, Timeout: 5 * time.Second},
		{Protocol: model.ProtocolHTTP, Port: 8080, Timeout: 5 * time.Second},
	}
}

// fakeRunner refuses every endpoint that has no entry in ok.
type fakeRunner struct {
	mu    sync.Mutex
	ok    map[string]bool
	fail  map[string]printer.FailureKind
	calls []string

	// hold blocks the first call to holdKey until closed.
	holdKey string
	hold    chan struct{}
	held    chan struct{}
}

func newFakeRunner(ok ...string) *fakeRunner {
	f := &fakeRunner{ok: map[string]bool{}, fail: map[string]printer.FailureKind{}}
	for _, k := range ok {
		f.ok[k] = true
	}
	return f
}

func (f *fakeRunner) Attempt(_ context.Context, req printer.Request) error {
	key := fmt.Sprintf("%s:%d", req.Protocol, req.Port)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	hold := f.hold
	if key == f.holdKey && hold != nil {
		f.hold = nil
	}
	ok, kind := f.ok[key], f.fail[key]
	f.mu.Unlock()

	if key == f.holdKey && hold != nil {
		close(f.held)
		<-hold
	}
	if ok {
		return nil
	}
	if kind == "" {
		kind = printer.KindRefused
	}
	return &printer.AttemptError{Kind: kind, Protocol: req.Protocol, Addr: req.Host, Err: errors.New(string(kind))}
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	orders    []model.Order
	manual    []bool
	announced []string
	err       error
}

func (b *fakeBroadcaster) Announce(_ context.Context, o model.Order, _ Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.announced = append(b.announced, o.ID)
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, o model.Order, _ model.PrinterAddress, _ string, manual bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, o)
	b.manual = append(b.manual, manual)
	return b.err
}

type fixture struct {
	engine    *Engine
	runner    *fakeRunner
	broadcast *fakeBroadcaster
	journal   *journal.Journal
	metrics   *metrics.Metrics
}

func newFixture(capable bool, runner *fakeRunner, cfg Config) fixture {
	c := clock.Fake(now)
	j := journal.New(100, c, zap.NewNop())
	m := metrics.New()
	if cfg.Cascade == nil {
		cfg.Cascade = cascade()
	}
	session := model.Session{
		Location:   "milano",
		TerminalID: "t1",
		Capable:    capable,
		Printer:    model.PrinterAddress{Host: "192.168.1.50", Port: 9100},
	}
	e := New(cfg, session, runner, j, c, m, zap.NewNop())
	b := &fakeBroadcaster{}
	e.SetBroadcaster(b)
	return fixture{engine: e, runner: runner, broadcast: b, journal: j, metrics: m}
}

func order(id string) model.Order {
	return model.Order{ID: id, Number: "42", CreatedAt: now}
}

func TestScenarioA(t *testing.T) {
	f := newFixture(true, newFakeRunner("raw-socket:9100"), Config{ProxyTimeout: 15 * time.Second})

	res, err := f.engine.Dispatch(context.Background(), order("o1"), Options{AllowBroadcast: true})
	require.NoError(t, err)
	assert.True(t, res.Printed())
	assert.Equal(t, model.ProtocolRaw, res.Protocol)
	assert.Equal(t, 9100, res.Port)

	attempts := f.journal.AttemptsFor("o1")
	require.Len(t, attempts, 3)
	assert.Equal(t, 80, attempts[0].Port)
	assert.Equal(t, model.AttemptFailed, attempts[0].State)
	assert.Equal(t, "refused", attempts[0].Failure)
	assert.Equal(t, 9100, attempts[2].Port)
	assert.Equal(t, model.AttemptSuccess, attempts[2].State)

	assert.NotContains(t, f.runner.Calls(), "backend-proxy:9100")
	assert.Empty(t, f.broadcast.orders)
	assert.Equal(t, []string{"o1"}, f.broadcast.announced)
}

func TestCascadeOrderIsFixed(t *testing.T) {
	f := newFixture(true, newFakeRunner("backend-proxy:9100"), Config{ProxyTimeout: 15 * time.Second})

	res, err := f.engine.Dispatch(context.Background(), order("o1"), Options{AllowBroadcast: true})
	require.NoError(t, err)
	assert.True(t, res.Printed())
	assert.Equal(t, []string{
		"http:80", "https:443", "raw-socket:9100", "http:8008", "http:8080", "backend-proxy:9100",
	}, f.runner.Calls())
	assert.Equal(t, model.ProtocolProxy, res.Protocol)
	assert.Len(t, res.Attempts, 6)
}

func TestExhaustion(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["https:443"] = printer.KindTimeout
	f := newFixture(true, runner, Config{ProxyTimeout: 15 * time.Second})

	res, err := f.engine.Dispatch(context.Background(), order("o1"), Options{AllowBroadcast: true})
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, StateLocalExhausted, res.State)
	assert.Equal(t, model.AttemptTimeout, res.Attempts[1].State)
	assert.Empty(t, f.broadcast.orders)

	notes := f.journal.Notifications()
	require.Len(t, notes, 2)
	assert.Equal(t, model.NotifyInfo, notes[0].Level)
	assert.Equal(t, model.NotifyError, notes[1].Level)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dispatches.WithLabelValues(string(StateLocalExhausted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Attempts.WithLabelValues("https", "timeout")))
}

func TestBroadcastOnExhaustion(t *testing.T) {
	f := newFixture(true, newFakeRunner(), Config{ProxyTimeout: 15 * time.Second, BroadcastOnExhaustion: true})

	res, err := f.engine.Dispatch(context.Background(), order("o1"), Options{AllowBroadcast: true})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingRemote, res.State)
	assert.Len(t, f.broadcast.orders, 1)
}

func TestRemoteExecutionNeverBroadcasts(t *testing.T) {
	f := newFixture(true, newFakeRunner(), Config{ProxyTimeout: 15 * time.Second, BroadcastOnExhaustion: true})

	res, err := f.engine.Dispatch(context.Background(), order("o1"), Options{Remote: true})
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, StateLocalExhausted, res.State)
	assert.Empty(t, f.broadcast.orders)
	assert.Empty(t, f.broadcast.announced)
}

func TestIncapableTerminalBroadcasts(t *testing.T) {
	f := newFixture(false, newFakeRunner("raw-socket:9100"), Config{ProxyTimeout: 15 * time.Second})

	res, err := f.engine.Dispatch(context.Background(), order("o1"), Options{AllowBroadcast: true})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingRemote, res.State)
	assert.False(t, res.Printed())
	assert.Empty(t, f.runner.Calls())
	assert.Empty(t, f.journal.Attempts())
	require.Len(t, f.broadcast.orders, 1)
	assert.Equal(t, "o1", f.broadcast.orders[0].ID)
}

func TestRetryBroadcastIsManual(t *testing.T) {
	f := newFixture(false, newFakeRunner(), Config{})

	_, err := f.engine.Dispatch(context.Background(), order("o1"), Options{AllowBroadcast: true})
	require.NoError(t, err)
	res, err := f.engine.Retry(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingRemote, res.State)
	assert.Equal(t, []bool{false, true}, f.broadcast.manual)
}

func TestIncapableTerminalTriesProxyFirst(t *testing.T) {
	cfg := Config{ProxyTimeout: 15 * time.Second, ProxyWhenIncapable: true}

	f := newFixture(false, newFakeRunner("backend-proxy:9100"), cfg)
	res, err := f.engine.Dispatch(context.Background(), order("o1"), Options{AllowBroadcast: true})
	require.NoError(t, err)
	assert.True(t, res.Printed())
	assert.Equal(t, model.ProtocolProxy, res.Protocol)
	assert.Equal(t, []string{"backend-proxy:9100"}, f.runner.Calls())
	assert.Empty(t, f.broadcast.orders)

	f = newFixture(false, newFakeRunner(), cfg)
	res, err = f.engine.Dispatch(context.Background(), order("o2"), Options{AllowBroadcast: true})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingRemote, res.State)
	assert.Equal(t, []string{"backend-proxy:9100"}, f.runner.Calls())
	require.Len(t, f.broadcast.orders, 1)
}

func TestIncapableWithoutBroadcastIsDenied(t *testing.T) {
	f := newFixture(false, newFakeRunner(), Config{})

	res, err := f.engine.Dispatch(context.Background(), order("o1"), Options{})
	require.ErrorIs(t, err, ErrCapabilityDenied)
	assert.Equal(t, StateDenied, res.State)
	assert.Empty(t, f.runner.Calls())
}

func TestBroadcastPublishFailure(t *testing.T) {
	f := newFixture(false, newFakeRunner(), Config{})
	f.broadcast.err = errors.New("bus down")

	res, err := f.engine.Dispatch(context.Background(), order("o1"), Options{AllowBroadcast: true})
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, StateLocalExhausted, res.State)
	assert.Contains(t, err.Error(), "bus down")
}

func TestInFlightRejectsAutomaticDuplicate(t *testing.T) {
	runner := newFakeRunner("raw-socket:9100")
	hold := make(chan struct{})
	runner.holdKey, runner.hold, runner.held = "http:80", hold, make(chan struct{})
	f := newFixture(true, runner, Config{})

	done := make(chan Result, 1)
	go func() {
		res, _ := f.engine.Dispatch(context.Background(), order("o1"), Options{AllowBroadcast: true})
		done <- res
	}()
	<-runner.held
	assert.True(t, f.engine.InFlight("o1"))

	_, err := f.engine.Dispatch(context.Background(), order("o1"), Options{AllowBroadcast: true})
	assert.ErrorIs(t, err, ErrInFlight)

	// Unrelated orders are not blocked.
	res, err := f.engine.Dispatch(context.Background(), order("o2"), Options{AllowBroadcast: true})
	require.NoError(t, err)
	assert.True(t, res.Printed())

	close(hold)
	assert.True(t, (<-done).Printed())
	assert.False(t, f.engine.InFlight("o1"))
}

func TestManualRetrySupersedesRunningRun(t *testing.T) {
	runner := newFakeRunner("raw-socket:9100")
	hold := make(chan struct{})
	runner.holdKey, runner.hold, runner.held = "http:80", hold, make(chan struct{})
	f := newFixture(true, runner, Config{})

	done := make(chan Result, 1)
	go func() {
		res, _ := f.engine.Dispatch(context.Background(), order("o1"), Options{AllowBroadcast: true})
		done <- res
	}()
	<-runner.held

	retry, err := f.engine.Retry(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, retry.Printed())
	assert.False(t, retry.Superseded)

	close(hold)
	stale := <-done
	assert.True(t, stale.Superseded)
	assert.NotEqual(t, retry.RunID, stale.RunID)

	var staleEnd int
	for _, n := range f.journal.Notifications() {
		if n.RunID == stale.RunID && n.Level != model.NotifyInfo {
			staleEnd++
		}
	}
	assert.Zero(t, staleEnd, "superseded run must not report its outcome")
}

func TestRetryUnknownOrder(t *testing.T) {
	f := newFixture(true, newFakeRunner(), Config{})
	_, err := f.engine.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestRunningLogRecordsTransitions(t *testing.T) {
	f := newFixture(true, newFakeRunner("http:80"), Config{})
	_, err := f.engine.Dispatch(context.Background(), order("o1"), Options{})
	require.NoError(t, err)

	var messages []string
	for _, e := range f.journal.Entries() {
		messages = append(messages, e.Message)
	}
	assert.Equal(t, []string{"start -> attempt", "attempt -> done"}, messages)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateDone, StateLocalExhausted, StateAwaitingRemote, StateDenied} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateStart, StateAttempt, StateProxy, StateBroadcast} {
		assert.False(t, s.Terminal(), s)
	}
}
