package bus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBus creates a bus with a quiet logger and closes it with the test.
func newTestBus(t *testing.T, historySize, queueSize int) *Bus {
	t.Helper()
	b := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)), historySize, queueSize)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.Close(ctx)
	})
	return b
}

// collector gathers delivered events behind a mutex.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handler(_ context.Context, ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestPublishDeliversToAsyncSubscriber(t *testing.T) {
	b := newTestBus(t, 100, 16)
	var c collector
	_, err := b.Subscribe(EventActionGenerated, "test", c.handler)
	require.NoError(t, err)

	ev := New(EventActionGenerated, "ingest", "corr-1", map[string]any{"stem": "abc"})
	require.NoError(t, b.Publish(ev))

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	got := c.snapshot()[0]
	assert.Equal(t, EventActionGenerated, got.EventType)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, int64(1), got.Seq)
	assert.NotEmpty(t, got.EventID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestSubscribersOnlyReceiveTheirType(t *testing.T) {
	b := newTestBus(t, 100, 16)
	var created, failed collector
	_, err := b.Subscribe(EventPlanCreated, "created", created.handler)
	require.NoError(t, err)
	_, err = b.Subscribe(EventActionFailed, "failed", failed.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(New(EventPlanCreated, "planner", "", nil)))
	require.NoError(t, b.Publish(New(EventPlanCreated, "planner", "", nil)))
	require.NoError(t, b.Publish(New(EventActionFailed, "engine", "", nil)))

	require.Eventually(t, func() bool { return created.count() == 2 && failed.count() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestPerSubscriberFIFOUnderConcurrentPublishers(t *testing.T) {
	b := newTestBus(t, 1000, 512)
	var c collector
	_, err := b.Subscribe(EventHealthCheck, "fifo", c.handler)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				require.NoError(t, b.Publish(New(EventHealthCheck, "probe", "", nil)))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return c.count() == 200 }, 2*time.Second, 5*time.Millisecond)
	events := c.snapshot()
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq,
			"delivery must follow publish order")
	}
}

func TestSyncSubscriberRunsInline(t *testing.T) {
	b := newTestBus(t, 100, 16)
	var c collector
	_, err := b.SubscribeSync(EventSystemShutdown, "inline", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(New(EventSystemShutdown, "signal", "", nil)))

	// No Eventually: sync handlers complete before Publish returns.
	assert.Equal(t, 1, c.count())
}

func TestPanickingSyncHandlerIsIsolated(t *testing.T) {
	b := newTestBus(t, 100, 16)
	_, err := b.SubscribeSync(EventActionFailed, "bad", func(context.Context, Event) {
		panic("handler bug")
	})
	require.NoError(t, err)
	var c collector
	_, err = b.Subscribe(EventActionFailed, "good", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(New(EventActionFailed, "engine", "", nil)))

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestUnknownEventTypeRejected(t *testing.T) {
	b := newTestBus(t, 100, 16)

	_, err := b.Subscribe("party.started", "x", func(context.Context, Event) {})
	assert.ErrorIs(t, err, ErrUnknownEventType)

	err = b.Publish(New("party.started", "x", "", nil))
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, 100, 16)
	var c collector
	sub, err := b.Subscribe(EventServiceStarted, "u", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(New(EventServiceStarted, "orch", "", nil)))
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)

	b.Unsubscribe(sub)
	require.NoError(t, b.Publish(New(EventServiceStarted, "orch", "", nil)))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestOverflowDropsOldestAndNotifiesOnce(t *testing.T) {
	b := newTestBus(t, 100, 2)

	var overflows collector
	_, err := b.Subscribe(EventBusOverflow, "watcher", overflows.handler)
	require.NoError(t, err)

	started := make(chan struct{}, 1)
	gate := make(chan struct{})
	var c collector
	_, err = b.Subscribe(EventEmailReceived, "slow", func(ctx context.Context, ev Event) {
		started <- struct{}{}
		<-gate
		c.handler(ctx, ev)
	})
	require.NoError(t, err)

	// First event is picked up and blocks in the handler.
	require.NoError(t, b.Publish(New(EventEmailReceived, "gmail", "", map[string]any{"n": 1})))
	<-started

	// Fill the queue (2, 3), then overflow it twice (4 drops 2; 5 drops 3).
	for n := 2; n <= 5; n++ {
		require.NoError(t, b.Publish(New(EventEmailReceived, "gmail", "", map[string]any{"n": n})))
	}
	close(gate)

	require.Eventually(t, func() bool { return c.count() == 3 }, time.Second, 5*time.Millisecond)
	var got []int
	for _, ev := range c.snapshot() {
		got = append(got, ev.Payload["n"].(int))
	}
	assert.Equal(t, []int{1, 4, 5}, got, "oldest queued events are dropped first")

	// Two drops inside one minute produce a single deduped notice.
	require.Eventually(t, func() bool { return overflows.count() == 1 }, time.Second, 5*time.Millisecond)
	notice := overflows.snapshot()[0]
	assert.Equal(t, "slow", notice.Payload["subscriber"])
	assert.Equal(t, string(EventEmailReceived), notice.Payload["event_type"])

	assert.Equal(t, int64(2), b.Stats().Dropped)
}

func TestHistoryWindow(t *testing.T) {
	b := newTestBus(t, 5, 16)
	for i := 0; i < 8; i++ {
		require.NoError(t, b.Publish(New(EventHealthStatus, "probe", "", nil)))
	}

	t.Run("returns only what the ring still holds", func(t *testing.T) {
		events := b.History(0, 0)
		require.Len(t, events, 5)
		assert.Equal(t, int64(4), events[0].Seq)
		assert.Equal(t, int64(8), events[4].Seq)
	})

	t.Run("since bounds the window", func(t *testing.T) {
		events := b.History(6, 0)
		require.Len(t, events, 2)
		assert.Equal(t, int64(7), events[0].Seq)
		assert.Equal(t, int64(8), events[1].Seq)
	})

	t.Run("limit truncates from the oldest end", func(t *testing.T) {
		events := b.History(0, 2)
		require.Len(t, events, 2)
		assert.Equal(t, int64(4), events[0].Seq)
	})

	t.Run("empty when since is current", func(t *testing.T) {
		assert.Empty(t, b.History(8, 10))
	})
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	b := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)), 100, 64)
	var c collector
	_, err := b.Subscribe(EventActionExecuted, "drainee", func(ctx context.Context, ev Event) {
		time.Sleep(2 * time.Millisecond)
		c.handler(ctx, ev)
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(New(EventActionExecuted, "exec", "", nil)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cancelled, err := b.Close(ctx)
	require.NoError(t, err)
	assert.Zero(t, cancelled)
	assert.Equal(t, 10, c.count())

	assert.ErrorIs(t, b.Publish(New(EventActionExecuted, "exec", "", nil)), ErrClosed)
}

func TestCloseCancelsPastDeadline(t *testing.T) {
	b := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)), 100, 64)
	started := make(chan struct{}, 1)
	_, err := b.Subscribe(EventActionExecuted, "stuck", func(ctx context.Context, ev Event) {
		started <- struct{}{}
		<-ctx.Done()
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(New(EventActionExecuted, "exec", "", nil)))
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cancelled, err := b.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cancelled, "events still queued at the deadline are counted")
}
