package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Bus fans events out to in-process subscribers (statistics aggregator,
// notification layer, tests). Publishing never blocks the matching path: a
// subscriber whose buffer is full loses the event and a warning is logged, so
// consumers must be able to resynchronize from the durable log.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe returns a receive channel and an unsubscribe function. The channel
// is closed on unsubscribe or bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// edge case: never block the matching path on a slow consumer
			log.Warn().
				Str("event_type", string(e.Type)).
				Str("instrument_id", e.InstrumentID).
				Uint64("seq", e.Seq).
				Msg("Event dropped for slow subscriber")
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
