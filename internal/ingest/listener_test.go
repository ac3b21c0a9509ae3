package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/clock"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/dispatch"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/eventbus"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/guard"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/metrics"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

var now = time.Date(2026, 5, 1, 19, 45, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	orders []string
}

func (r *recorder) Dispatch(_ context.Context, o model.Order, _ dispatch.Options) (dispatch.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o.ID)
	return dispatch.Result{OrderID: o.ID, State: dispatch.StateDone}, nil
}

func (r *recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

type fixture struct {
	listener *Listener
	feed     *eventbus.MemoryBus
	dispatch *recorder
	clock    *clock.FakeClock
	metrics  *metrics.Metrics
}

func start(t *testing.T, bus eventbus.Bus, store Store) fixture {
	t.Helper()
	fc := clock.Fake(now)
	m := metrics.New()
	g := guard.New(guard.Config{Cooldown: 15 * time.Second, StaleAfter: 30 * time.Second}, fc, zap.NewNop())
	rec := &recorder{}

	var feed *eventbus.MemoryBus
	if bus == nil {
		hub := eventbus.NewMemoryHub()
		bus = hub.Join()
		feed = hub.Join()
	}
	l := New(Config{PollInterval: 10 * time.Second}, model.Session{Location: "milano", TerminalID: "t1", Capable: true},
		bus, store, g, rec, fc, m, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return fixture{listener: l, feed: feed, dispatch: rec, clock: fc, metrics: m}
}

func (f fixture) insert(t *testing.T, o model.Order) {
	t.Helper()
	require.NoError(t, f.feed.Publish(context.Background(), model.MessageTypeNewOrder, o))
}

func (f fixture) suppressed(reason guard.Reason) func() bool {
	return func() bool {
		return testutil.ToFloat64(f.metrics.Suppressed.WithLabelValues(string(reason))) == 1
	}
}

func TestNewOrderIsDispatched(t *testing.T) {
	f := start(t, nil, nil)
	f.insert(t, model.Order{ID: "o1", Location: "milano", CreatedAt: now})
	assert.Eventually(t, func() bool { return f.dispatch.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScenarioB(t *testing.T) {
	f := start(t, nil, nil)
	o := model.Order{ID: "o1", Location: "milano", CreatedAt: now}

	f.insert(t, o)
	require.Eventually(t, func() bool { return f.dispatch.Count() == 1 }, time.Second, 5*time.Millisecond)

	f.clock.Advance(3 * time.Second)
	f.insert(t, o)
	require.Eventually(t, f.suppressed(guard.ReasonCooldown), time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.dispatch.Count())
}

func TestScenarioD(t *testing.T) {
	f := start(t, nil, nil)
	f.insert(t, model.Order{ID: "o1", Location: "milano", CreatedAt: now.Add(-45 * time.Second)})

	require.Eventually(t, f.suppressed(guard.ReasonStale), time.Second, 5*time.Millisecond)
	assert.Zero(t, f.dispatch.Count())
}

func TestOtherLocationIgnored(t *testing.T) {
	f := start(t, nil, nil)
	assert.False(t, f.listener.Handle(context.Background(), model.Order{ID: "o1", Location: "torino", CreatedAt: now}))
	// Not recorded by the guard either, so it does not shadow anything.
	assert.True(t, f.listener.Handle(context.Background(), model.Order{ID: "o1", Location: "milano", CreatedAt: now}))
}

func TestCancelledOrdersAreSkipped(t *testing.T) {
	f := start(t, nil, nil)
	require.NoError(t, f.feed.Publish(context.Background(), model.MessageTypeOrderStatus,
		model.Order{ID: "o1", Location: "milano", Status: model.OrderStatusCancelled}))

	require.Eventually(t, func() bool {
		return f.listener.isCancelled(model.Order{ID: "o1"})
	}, time.Second, 5*time.Millisecond)

	assert.False(t, f.listener.Handle(context.Background(), model.Order{ID: "o1", Location: "milano", CreatedAt: now}))
	assert.False(t, f.listener.Handle(context.Background(),
		model.Order{ID: "o2", Location: "milano", Status: model.OrderStatusCancelled, CreatedAt: now}))
	assert.Zero(t, f.dispatch.Count())
}

// deadBus is an event bus that already gave up.
type deadBus struct{ gaveUp chan struct{} }

func (b deadBus) Publish(context.Context, model.MessageType, any) error { return eventbus.ErrNotConnected }
func (b deadBus) Subscribe(model.MessageType) <-chan model.WSMessage { return nil }
func (b deadBus) Connected() bool { return false }
func (b deadBus) GaveUp() <-chan struct{} { return b.gaveUp }

type fakeStore struct {
	mu     sync.Mutex
	calls  int
	orders []model.Order
}

func (s *fakeStore) PendingOrders(_ context.Context, location string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.orders, nil
}

func (s *fakeStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestPollingFallback(t *testing.T) {
	bus := deadBus{gaveUp: make(chan struct{})}
	close(bus.gaveUp)
	store := &fakeStore{orders: []model.Order{{ID: "o1", Location: "milano", CreatedAt: now}}}
	f := start(t, bus, store)

	require.Eventually(t, func() bool { return f.dispatch.Count() == 1 }, time.Second, 5*time.Millisecond)

	f.clock.WaitForTimers(1)
	f.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return store.Calls() == 2 }, time.Second, 5*time.Millisecond)
	// The second poll sees the same order; the guard keeps it from printing twice.
	require.Eventually(t, f.suppressed(guard.ReasonCooldown), time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.dispatch.Count())
}
