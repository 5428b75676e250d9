package jobs

import (
	"time"
)

// Event is one record in a job's history, delivered to subscribers in
// emission order. Events are never mutated after creation.
type Event struct {
	Seq     int64                  `json:"seq"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}

// boundedBuffer keeps the first prefix events verbatim and a sliding window
// of the most recent ones, so a late subscriber replaying history sees both
// how the job started and what just happened.
type boundedBuffer struct {
	prefix int
	max    int
	events []Event
}

func newBoundedBuffer(prefix, max int) *boundedBuffer {
	if max < 1 {
		max = 1
	}
	if prefix >= max {
		prefix = max - 1
	}
	if prefix < 0 {
		prefix = 0
	}
	return &boundedBuffer{prefix: prefix, max: max}
}

func (b *boundedBuffer) Append(ev Event) {
	b.events = append(b.events, ev)
	if len(b.events) > b.max {
		// evict the oldest event past the retained prefix
		copy(b.events[b.prefix:], b.events[b.prefix+1:])
		b.events = b.events[:len(b.events)-1]
	}
}

func (b *boundedBuffer) Snapshot() []Event {
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

func (b *boundedBuffer) Len() int { return len(b.events) }

// Listener receives one event. Implementations must not block: delivery
// happens synchronously with the buffer append, under the job's lock.
type Listener func(Event)

// broadcaster is a per-job subscriber list. It is always accessed under the
// owning job's mutex, which makes append-and-fan-out atomic and keeps
// per-subscriber delivery ordered.
type broadcaster struct {
	nextID int64
	subs   map[int64]Listener
}

func (b *broadcaster) subscribe(l Listener) int64 {
	if b.subs == nil {
		b.subs = make(map[int64]Listener)
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = l
	return id
}

func (b *broadcaster) unsubscribe(id int64) {
	delete(b.subs, id)
}

func (b *broadcaster) publish(ev Event) {
	for _, l := range b.subs {
		l(ev)
	}
}

func (b *broadcaster) count() int { return len(b.subs) }
