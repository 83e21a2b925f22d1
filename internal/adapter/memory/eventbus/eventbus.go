package eventbus

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

const DefaultSubscriberBuffer = 256

var _ porteventbus.EventBus = (*Bus)(nil)

// Bus is an append-only, sequenced event log with fan-out to subscribers.
// It has its own lock and never calls back into its producers, so publishing
// from inside another component's critical section cannot deadlock.
type Bus struct {
	mu        sync.Mutex
	seq       atomic.Uint64
	log       []event.Event
	retention int
	bufSize   int
	subs      map[*subscription]struct{}
	now       func() time.Time
}

type Option func(*Bus)

// WithRetention caps how many events are kept for replay. Zero keeps everything.
func WithRetention(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.retention = n
		}
	}
}

// WithSubscriberBuffer sets how many undelivered live events a subscriber may
// accumulate before the oldest are dropped.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func New(opts ...Option) *Bus {
	b := &Bus{
		bufSize: DefaultSubscriberBuffer,
		subs:    make(map[*subscription]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps e with the next sequence number and appends it. It never
// waits on subscribers.
func (b *Bus) Publish(_ context.Context, e event.Event) (event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(e), nil
}

func (b *Bus) appendLocked(e event.Event) event.Event {
	e.Seq = b.seq.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	b.log = append(b.log, e)
	if b.retention > 0 && len(b.log) > b.retention {
		b.log = b.log[len(b.log)-b.retention:]
	}

	var lagged []*subscription
	for s := range b.subs {
		if s.push(e) {
			lagged = append(lagged, s)
		}
	}

	// One marker per overflow episode. The marker itself goes through the log
	// so it has a sequence number and reaches every observer.
	for _, s := range lagged {
		marker := event.New(event.TypeSubscriberLagged, s.id, event.LaggedPayload{
			SubscriberID:    s.id,
			FirstDroppedSeq: s.firstDroppedSeq(),
		})
		b.appendLocked(marker)
	}
	return e
}

// Subscribe replays retained events with Seq >= fromSeq and then follows the
// live log. Replay snapshot and registration happen under one lock, so the
// subscriber sees no gap and no duplicate at the seam. A fromSeq beyond the
// head waits for it: live events below fromSeq are skipped. The subscription
// is closed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, fromSeq uint64) (porteventbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	s := &subscription{
		id:     uuid.NewString(),
		bus:    b,
		from:   fromSeq,
		replay: b.replayFromLocked(fromSeq),
		buf:    make([]event.Event, b.bufSize),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	return s, nil
}

func (b *Bus) replayFromLocked(fromSeq uint64) []event.Event {
	if len(b.log) == 0 {
		return nil
	}
	first := b.log[0].Seq
	idx := 0
	if fromSeq > first {
		idx = int(fromSeq - first)
	}
	if idx >= len(b.log) {
		return nil
	}
	// Capped so later appends to the shared backing array stay invisible.
	return b.log[idx:len(b.log):len(b.log)]
}

func (b *Bus) LastSequence() uint64 { return b.seq.Load() }

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates every open subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// ── subscription ─────────────────────────────────────────────────────────────

type subscription struct {
	id   string
	bus  *Bus
	from uint64

	mu      sync.Mutex
	replay  []event.Event
	buf     []event.Event // ring buffer of live events
	head    int
	count   int
	lagging bool
	firstDr uint64
	closed  bool

	dropped atomic.Uint64
	notify  chan struct{}
	done    chan struct{}
	stop    func() bool
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Dropped() uint64 { return s.dropped.Load() }

// push enqueues a live event, dropping the oldest buffered one when full.
// Reports true when this push opened a new overflow episode.
func (s *subscription) push(e event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || e.Seq < s.from {
		return false
	}

	started := false
	if s.count == len(s.buf) {
		oldest := s.buf[s.head]
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		s.dropped.Add(1)
		if !s.lagging {
			s.lagging = true
			s.firstDr = oldest.Seq
			started = true
		}
	}
	s.buf[(s.head+s.count)%len(s.buf)] = e
	s.count++

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return started
}

func (s *subscription) firstDroppedSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstDr
}

func (s *subscription) Next(ctx context.Context) (event.Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return event.Event{}, porteventbus.ErrClosed
		}
		if len(s.replay) > 0 {
			e := s.replay[0]
			s.replay = s.replay[1:]
			s.mu.Unlock()
			return e, nil
		}
		if s.count > 0 {
			e := s.buf[s.head]
			s.buf[s.head] = event.Event{}
			s.head = (s.head + 1) % len(s.buf)
			s.count--
			if s.count == 0 {
				// Drained: the overflow episode, if any, is over.
				s.lagging = false
			}
			s.mu.Unlock()
			return e, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return event.Event{}, ctx.Err()
		}
	}
}

func (s *subscription) All(ctx context.Context) iter.Seq[event.Event] {
	return func(yield func(event.Event) bool) {
		for {
			e, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

func (s *subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.replay = nil
	close(s.done)
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.bus.remove(s)
}
