package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Publish after Close has begun.
var ErrClosed = errors.New("bus: closed")

// ErrUnknownEventType is returned when a publish or subscribe names a type
// outside the closed set.
var ErrUnknownEventType = errors.New("bus: unknown event type")

// overflowWindow is the per-subscriber dedup window for bus.overflow notices.
const overflowWindow = time.Minute

// Handler processes one event. The context is the bus run context; it is
// cancelled when a shutdown drain overruns its deadline, and handlers doing
// slow work are expected to honour it.
type Handler func(ctx context.Context, ev Event)

// Bus is the in-process broker. Create with New, close with Close; the zero
// value is not usable.
type Bus struct {
	log       *slog.Logger
	queueSize int

	mu      sync.Mutex
	closed  bool
	seq     int64
	ring    []Event // circular, fixed capacity
	ringCap int
	subs    map[EventType][]*Subscription
	nextID  int64

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	dropped   atomic.Int64
	cancelled atomic.Int64
}

// Subscription is one registered handler. Each subscription owns a bounded
// FIFO queue, which gives per-subscriber per-event-type ordering; a full
// queue drops its oldest entry rather than blocking the publisher.
type Subscription struct {
	id      int64
	name    string
	etype   EventType
	handler Handler
	sync    bool
	bus     *Bus

	qmu          sync.Mutex
	queue        []Event
	droppedTotal int64
	lastOverflow time.Time

	dispatchMu sync.Mutex // serialises sync dispatch across publishers

	wake  chan struct{}
	stop  chan struct{} // unsubscribe
	drain chan struct{} // bus close: finish queue, then exit
	once  sync.Once
}

// NewBus creates a bus with the given replay ring and per-subscriber queue
// sizes. The logger is used for overflow notices and handler panics.
func NewBus(log *slog.Logger, historySize, queueSize int) *Bus {
	if historySize < 1 {
		historySize = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		log:       log.With("component", "bus"),
		queueSize: queueSize,
		ring:      make([]Event, historySize),
		ringCap:   historySize,
		subs:      make(map[EventType][]*Subscription),
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Subscribe registers an asynchronous handler for one event type. Events are
// delivered on the subscription's own goroutine in publish order.
func (b *Bus) Subscribe(t EventType, name string, h Handler) (*Subscription, error) {
	return b.subscribe(t, name, h, false)
}

// SubscribeSync registers a synchronous handler: it runs inline on the
// publishing goroutine before Publish returns. A panicking sync handler is
// logged and isolated from other subscribers. Sync handlers must be fast and
// must not publish to the bus recursively from a loop.
func (b *Bus) SubscribeSync(t EventType, name string, h Handler) (*Subscription, error) {
	return b.subscribe(t, name, h, true)
}

func (b *Bus) subscribe(t EventType, name string, h Handler, inline bool) (*Subscription, error) {
	if !t.Known() {
		return nil, ErrUnknownEventType
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		name:    name,
		etype:   t,
		handler: h,
		sync:    inline,
		bus:     b,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		drain:   make(chan struct{}),
	}
	b.subs[t] = append(b.subs[t], sub)
	if !inline {
		b.wg.Add(1)
		go sub.run(b.runCtx)
	}
	return sub, nil
}

// Unsubscribe removes the subscription. Queued events for it are still
// delivered before its goroutine exits.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	list := b.subs[sub.etype]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.etype] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.once.Do(func() { close(sub.stop) })
}

// Publish queues ev for every current subscriber of its type and returns. It
// never blocks on handler execution; sync handlers run inline before return.
func (b *Bus) Publish(ev Event) error {
	if !ev.EventType.Known() {
		return ErrUnknownEventType
	}

	type overflowNotice struct {
		subscriber string
		etype      EventType
		dropped    int64
	}
	var notices []overflowNotice
	var syncSubs []*Subscription

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.seq++
	ev.Seq = b.seq
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.ring[(ev.Seq-1)%int64(b.ringCap)] = ev

	// Enqueue under the bus lock so queue order always matches seq order.
	for _, sub := range b.subs[ev.EventType] {
		if over, total := sub.enqueue(ev, b.queueSize); over {
			b.dropped.Add(1)
			notices = append(notices, overflowNotice{sub.name, sub.etype, total})
		} else if total > 0 {
			b.dropped.Add(1)
		}
		if sub.sync {
			syncSubs = append(syncSubs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range syncSubs {
		sub.drainInline(b.runCtx)
	}

	for _, n := range notices {
		b.log.Warn("subscriber queue overflowed, dropping oldest",
			"subscriber", n.subscriber,
			"event_type", string(n.etype),
			"dropped_total", n.dropped)
		overflow := New(EventBusOverflow, "bus", ev.CorrelationID, map[string]any{
			"subscriber":    n.subscriber,
			"event_type":    string(n.etype),
			"dropped_total": n.dropped,
		})
		if err := b.Publish(overflow); err != nil && !errors.Is(err, ErrClosed) {
			b.log.Error("failed to publish overflow notice", "error", err)
		}
	}
	return nil
}

// enqueue appends ev, dropping the oldest entry when the queue is full. It
// reports whether an overflow notice is due (at most one per window) and the
// running dropped total, which is zero when nothing was dropped.
func (s *Subscription) enqueue(ev Event, capacity int) (notify bool, droppedTotal int64) {
	s.qmu.Lock()
	if len(s.queue) >= capacity {
		s.queue = s.queue[1:]
		s.droppedTotal++
		droppedTotal = s.droppedTotal
		now := time.Now()
		if now.Sub(s.lastOverflow) >= overflowWindow {
			s.lastOverflow = now
			notify = true
		}
	}
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return notify, droppedTotal
}

func (s *Subscription) pop() (Event, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

// run is the dispatch loop for asynchronous subscriptions. It empties the
// queue, then sleeps until woken. After Close it finishes what is queued and
// exits; once the run context is cancelled, leftovers are counted instead of
// delivered.
func (s *Subscription) run(ctx context.Context) {
	defer s.bus.wg.Done()
	for {
		if ev, ok := s.pop(); ok {
			if ctx.Err() != nil {
				s.bus.cancelled.Add(1)
				continue
			}
			s.bus.runHandler(ctx, s, ev)
			continue
		}
		select {
		case <-s.wake:
		case <-s.stop:
			return
		case <-s.drain:
			return
		}
	}
}

// drainInline delivers queued events on the caller's goroutine. Used for
// sync subscriptions; the dispatch mutex keeps concurrent publishers from
// reordering a subscriber's events.
func (s *Subscription) drainInline(ctx context.Context) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	for {
		ev, ok := s.pop()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			s.bus.cancelled.Add(1)
			continue
		}
		s.bus.runHandler(ctx, s, ev)
	}
}

// runHandler isolates handler panics so one subscriber cannot take down the
// publisher or its peers.
func (b *Bus) runHandler(ctx context.Context, s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				"subscriber", s.name,
				"event_type", string(ev.EventType),
				"event_id", ev.EventID,
				"panic", r)
		}
	}()
	s.handler(ctx, ev)
}

// History returns up to limit events with Seq greater than since, oldest
// first. Events that have fallen out of the ring are gone; the bus is a
// diagnostic window, not a durable log.
func (b *Bus) History(since int64, limit int) []Event {
	if limit <= 0 {
		limit = b.ringCap
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	oldest := b.seq - int64(b.ringCap) + 1
	if oldest < 1 {
		oldest = 1
	}
	start := since + 1
	if start < oldest {
		start = oldest
	}
	var out []Event
	for s := start; s <= b.seq && len(out) < limit; s++ {
		out = append(out, b.ring[(s-1)%int64(b.ringCap)])
	}
	return out
}

// Stats is a point-in-time bus summary for status output.
type Stats struct {
	Published   int64 `json:"published"`
	Subscribers int   `json:"subscribers"`
	Dropped     int64 `json:"dropped"`
	Cancelled   int64 `json:"cancelled"`
}

// Stats snapshots publish and drop counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	seq := b.seq
	b.mu.Unlock()
	return Stats{
		Published:   seq,
		Subscribers: n,
		Dropped:     b.dropped.Load(),
		Cancelled:   b.cancelled.Load(),
	}
}

// Close stops accepting publishes and drains subscriber queues until ctx
// expires. Past the deadline, handlers-in-waiting are cancelled; the count of
// undelivered events is returned.
func (b *Bus) Close(ctx context.Context) (int64, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return b.cancelled.Load(), nil
	}
	b.closed = true
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.mu.Unlock()

	for _, sub := range all {
		close(sub.drain)
	}
	// Sync subscriptions have no goroutine; deliver their leftovers here.
	for _, sub := range all {
		if sub.sync {
			sub.drainInline(b.runCtx)
		}
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.cancelRun()
		<-done
	}
	b.cancelRun()
	return b.cancelled.Load(), nil
}
