package broadcast

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
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/config"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/dispatch"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/eventbus"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/guard"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/journal"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/metrics"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/printer"
)

var now = time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

type stubRunner struct {
	mu    sync.Mutex
	ok    map[string]bool
	calls []string
}

func (r *stubRunner) Attempt(_ context.Context, req printer.Request) error {
	key := fmt.Sprintf("%s:%d", req.Protocol, req.Port)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, key)
	if r.ok[key] {
		return nil
	}
	return &printer.AttemptError{Kind: printer.KindRefused, Protocol: req.Protocol, Err: errors.New("refused")}
}

func (r *stubRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type node struct {
	bus     *eventbus.MemoryBus
	engine  *dispatch.Engine
	coord   *Coordinator
	journal *journal.Journal
	guard   *guard.Guard
	runner  *stubRunner
	metrics *metrics.Metrics
}

func newNode(t *testing.T, hub *eventbus.MemoryHub, fc *clock.FakeClock, id string, capable bool, ok ...string) *node {
	t.Helper()
	runner := &stubRunner{ok: map[string]bool{}}
	for _, k := range ok {
		runner.ok[k] = true
	}
	session := model.Session{
		Location:   "milano",
		TerminalID: id,
		Operator:   "cassa-" + id,
		Capable:    capable,
		Printer:    model.PrinterAddress{Host: "192.168.1.50", Port: 9100},
	}
	log := zap.NewNop()
	m := metrics.New()
	j := journal.New(100, fc, log)
	g := guard.New(guard.Config{Cooldown: 15 * time.Second, StaleAfter: 30 * time.Second}, fc, log)
	bus := hub.Join()
	engine := dispatch.New(dispatch.Config{Cascade: config.DefaultCascade()}, session, runner, j, fc, m, log)
	coord := New(Config{Grace: 20 * time.Second}, session, bus, g, j, fc, m, log)
	engine.SetBroadcaster(coord)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = coord.Run(ctx, engine)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &node{bus: bus, engine: engine, coord: coord, journal: j, guard: g, runner: runner, metrics: m}
}

func (n *node) notification(level model.NotificationLevel, runID string) func() bool {
	return func() bool {
		for _, note := range n.journal.Notifications() {
			if note.Level == level && note.RunID == runID && note.Remote {
				return true
			}
		}
		return false
	}
}

func testOrder() model.Order {
	return model.Order{ID: "o1", Number: "12", Location: "milano", CreatedAt: now}
}

func TestScenarioC(t *testing.T) {
	fc := clock.Fake(now)
	hub := eventbus.NewMemoryHub()
	tablet := newNode(t, hub, fc, "t1", false)
	counter := newNode(t, hub, fc, "t2", true, "raw-socket:9100")

	res, err := tablet.engine.Dispatch(context.Background(), testOrder(), dispatch.Options{AllowBroadcast: true})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StateAwaitingRemote, res.State)

	require.Eventually(t, tablet.notification(model.NotifySuccess, res.RunID), 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, tablet.journal.Attempts())
	assert.Zero(t, tablet.runner.Calls())
	assert.Len(t, tablet.bus.Sent(model.MessageTypePrintCommand), 1)
	assert.Len(t, counter.bus.Sent(model.MessageTypePrintCommandCompleted), 1)
	assert.Empty(t, counter.bus.Sent(model.MessageTypePrintCommand))

	attempts := counter.journal.AttemptsFor("o1")
	require.NotEmpty(t, attempts)
	assert.Equal(t, model.AttemptSuccess, attempts[len(attempts)-1].State)
	assert.Eventually(t, func() bool {
		return len(counter.bus.Sent(model.MessageTypePrintEvent)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.False(t, tablet.coord.Pending("o1"))
	fc.Advance(20 * time.Second)
	for _, n := range tablet.journal.Notifications() {
		assert.NotEqual(t, model.NotifyError, n.Level)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(tablet.metrics.Broadcasts.WithLabelValues("completed")))
}

func TestUndeliverableAfterGrace(t *testing.T) {
	fc := clock.Fake(now)
	hub := eventbus.NewMemoryHub()
	tablet := newNode(t, hub, fc, "t1", false)

	res, err := tablet.engine.Dispatch(context.Background(), testOrder(), dispatch.Options{AllowBroadcast: true})
	require.NoError(t, err)
	assert.True(t, tablet.coord.Pending("o1"))

	fc.Advance(19 * time.Second)
	assert.False(t, tablet.notification(model.NotifyError, res.RunID)())

	fc.Advance(time.Second)
	assert.True(t, tablet.notification(model.NotifyError, res.RunID)())
	assert.False(t, tablet.coord.Pending("o1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(tablet.metrics.Broadcasts.WithLabelValues("undeliverable")))
}

func TestIncapableReceiverIgnoresCommand(t *testing.T) {
	fc := clock.Fake(now)
	hub := eventbus.NewMemoryHub()
	tablet := newNode(t, hub, fc, "t1", false)
	other := newNode(t, hub, fc, "t2", false, "raw-socket:9100")

	_, err := tablet.engine.Dispatch(context.Background(), testOrder(), dispatch.Options{AllowBroadcast: true})
	require.NoError(t, err)

	assert.Never(t, func() bool { return other.runner.Calls() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, other.bus.Sent(""))
}

func TestReceiverGuardSuppressesCommand(t *testing.T) {
	fc := clock.Fake(now)
	hub := eventbus.NewMemoryHub()
	tablet := newNode(t, hub, fc, "t1", false)
	counter := newNode(t, hub, fc, "t2", true, "raw-socket:9100")

	// The capable terminal already picked the order up from the change feed.
	require.Equal(t, guard.ReasonNone, counter.guard.Check("o1", now))

	_, err := tablet.engine.Dispatch(context.Background(), testOrder(), dispatch.Options{AllowBroadcast: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(counter.metrics.Suppressed.WithLabelValues("cooldown")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, counter.runner.Calls())
}

func TestOperatorRetryBypassesReceiverGuard(t *testing.T) {
	fc := clock.Fake(now)
	hub := eventbus.NewMemoryHub()
	tablet := newNode(t, hub, fc, "t1", false)
	counter := newNode(t, hub, fc, "t2", true, "raw-socket:9100")

	// The counter recorded the order from the change feed, so the automatic
	// broadcast is suppressed there.
	require.Equal(t, guard.ReasonNone, counter.guard.Check("o1", now))
	first, err := tablet.engine.Dispatch(context.Background(), testOrder(), dispatch.Options{AllowBroadcast: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(counter.metrics.Suppressed.WithLabelValues("cooldown")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	fc.Advance(20 * time.Second)
	require.Eventually(t, tablet.notification(model.NotifyError, first.RunID), 2*time.Second, 5*time.Millisecond)
	require.Equal(t, guard.ReasonSeen, counter.guard.Check("o1", fc.Now()))

	retry, err := tablet.engine.Retry(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StateAwaitingRemote, retry.State)

	cmds := tablet.bus.Sent(model.MessageTypePrintCommand)
	require.Len(t, cmds, 2)
	var cmd model.PrintCommand
	require.NoError(t, cmds[1].Decode(&cmd))
	assert.True(t, cmd.Manual)

	require.Eventually(t, tablet.notification(model.NotifySuccess, retry.RunID), 2*time.Second, 5*time.Millisecond)
	assert.Len(t, counter.bus.Sent(model.MessageTypePrintCommandCompleted), 1)
	attempts := counter.journal.AttemptsFor("o1")
	require.NotEmpty(t, attempts)
	assert.Equal(t, model.AttemptSuccess, attempts[len(attempts)-1].State)
}

func TestStaleCommandIsSuppressed(t *testing.T) {
	fc := clock.Fake(now)
	hub := eventbus.NewMemoryHub()
	tablet := newNode(t, hub, fc, "t1", false)
	counter := newNode(t, hub, fc, "t2", true, "raw-socket:9100")

	err := tablet.bus.Publish(context.Background(), model.MessageTypePrintCommand, model.PrintCommand{
		Order:       testOrder(),
		PrinterIP:   "192.168.1.50",
		PrinterPort: 9100,
		InitiatedBy: "t1",
		Timestamp:   now.Add(-45 * time.Second),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(counter.metrics.Suppressed.WithLabelValues("stale")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, counter.runner.Calls())
}

func TestRemoteFailureIsSurfaced(t *testing.T) {
	fc := clock.Fake(now)
	hub := eventbus.NewMemoryHub()
	tablet := newNode(t, hub, fc, "t1", false)
	counter := newNode(t, hub, fc, "t2", true)

	res, err := tablet.engine.Dispatch(context.Background(), testOrder(), dispatch.Options{AllowBroadcast: true})
	require.NoError(t, err)

	require.Eventually(t, tablet.notification(model.NotifyError, res.RunID), 2*time.Second, 5*time.Millisecond)
	failed := counter.bus.Sent(model.MessageTypePrintCommandFailed)
	require.Len(t, failed, 1)

	var result model.PrintCommandResult
	require.NoError(t, failed[0].Decode(&result))
	assert.Equal(t, "t2", result.ExecutedBy)
	assert.NotEmpty(t, result.Error)
	// The failed order is forgotten so a retried command gets executed.
	assert.Zero(t, counter.guard.Len())
	assert.Empty(t, counter.bus.Sent(model.MessageTypePrintEvent))
}

func TestPrintEventConfirmsPendingBroadcast(t *testing.T) {
	fc := clock.Fake(now)
	hub := eventbus.NewMemoryHub()
	tablet := newNode(t, hub, fc, "t1", false)
	station := hub.Join()

	res, err := tablet.engine.Dispatch(context.Background(), testOrder(), dispatch.Options{AllowBroadcast: true})
	require.NoError(t, err)

	require.NoError(t, station.Publish(context.Background(), model.MessageTypePrintEvent, model.PrintEvent{
		OrderID: "o1", OrderNumber: "12", PrintedBy: "t3", Path: "raw-socket:9100", Timestamp: now,
	}))
	require.Eventually(t, tablet.notification(model.NotifySuccess, res.RunID), 2*time.Second, 5*time.Millisecond)

	fc.Advance(20 * time.Second)
	assert.False(t, tablet.notification(model.NotifyError, res.RunID)())
}

func TestOrderPrintedBeforeBroadcast(t *testing.T) {
	fc := clock.Fake(now)
	hub := eventbus.NewMemoryHub()
	tablet := newNode(t, hub, fc, "t1", false)
	counter := newNode(t, hub, fc, "t2", true, "raw-socket:9100")

	// Both terminals see the insert; the capable one prints it first.
	require.Equal(t, guard.ReasonNone, counter.guard.Check("o1", now))
	local, err := counter.engine.Dispatch(context.Background(), testOrder(), dispatch.Options{AllowBroadcast: true})
	require.NoError(t, err)
	require.True(t, local.Printed())
	require.Eventually(t, func() bool {
		for _, e := range tablet.journal.Entries() {
			if e.OrderID == "o1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	res, err := tablet.engine.Dispatch(context.Background(), testOrder(), dispatch.Options{AllowBroadcast: true})
	require.NoError(t, err)
	assert.True(t, tablet.notification(model.NotifySuccess, res.RunID)())
	assert.False(t, tablet.coord.Pending("o1"))

	// The capable terminal does not print the command a second time.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(counter.metrics.Suppressed.WithLabelValues("cooldown")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, counter.journal.AttemptsFor("o1"), 3)
}
