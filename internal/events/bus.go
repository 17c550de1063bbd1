// Package events is the in-process message boundary between code that
// records outgoing activities and the workers that deliver them.
package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pavillion/internal/domain"
)

// OutboxMessageAdded is published once an outbox row is durable.
const OutboxMessageAdded = "outboxMessageAdded"

const defaultBuffer = 64

type Event struct {
	Type       string
	MessageID  string
	CalendarID string
	Activity   domain.Activity
	At         time.Time
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event, and the drop is counted.
type Bus struct {
	Logger *slog.Logger

	mu      sync.RWMutex
	subs    map[int]*Subscription
	next    int
	dropped atomic.Int64
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{Logger: logger}
}

func (b *Bus) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

type Subscription struct {
	C <-chan Event

	ch      chan Event
	bus     *Bus
	id      int
	filter  eventFilter
	dropped atomic.Int64
	once    sync.Once
}

// Subscribe registers a subscriber with the given buffer size. With no
// types it receives every event.
func (b *Bus) Subscribe(buffer int, types ...string) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]*Subscription)
	}
	b.next++
	s := &Subscription{C: ch, ch: ch, bus: b, id: b.next, filter: newEventFilter(types)}
	b.subs[s.id] = s
	return s
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Dropped reports how many events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Publish delivers evt to every matching subscriber and returns how many
// accepted it.
func (b *Bus) Publish(ctx context.Context, evt Event) int {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, s := range b.subs {
		if !s.filter.match(evt.Type) {
			continue
		}
		select {
		case s.ch <- evt:
			delivered++
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			b.logger().WarnContext(ctx, "event dropped", "event", evt.Type, "message_id", evt.MessageID, "subscriber", s.id)
		}
	}
	return delivered
}

// Dropped reports the total number of dropped deliveries across subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(t string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
