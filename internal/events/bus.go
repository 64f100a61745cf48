// Package events distributes state-change notifications to independent
// consumers.
//
// Two shapes are provided. [Topic] is the synchronous, typed registry the
// engine publishes through: listeners run on the publishing goroutine in
// the same turn as the table mutation that caused them. [Bus] is a
// non-blocking broadcast of untyped [Event] envelopes for remote
// observers (the WebSocket feed); slow subscribers miss events rather
// than blocking the engine. Both are nil-safe on Publish.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind constants name the envelope types carried on a [Bus].
const (
	// KindRoomMessage carries a room announcement or property update.
	// Data: room_id, property, payload, room.
	KindRoomMessage = "room_message"
	// KindDeviceMessage carries a reconciled device reading.
	// Data: device_id, room_id, device.
	KindDeviceMessage = "device_message"
	// KindDeviceOffline signals a device passed the offline threshold.
	// Data: device_id, elapsed.
	KindDeviceOffline = "device_offline"
	// KindDeviceAbsent signals a device passed the absence threshold.
	// Data: device_id, last_seen, elapsed.
	KindDeviceAbsent = "device_absent"
	// KindDeviceReactivated signals a sighting after a long gap.
	// Data: device_id, elapsed.
	KindDeviceReactivated = "device_reactivated"
	// KindParseError signals a dropped, malformed device payload.
	// Data: topic, error.
	KindParseError = "parse_error"
	// KindTrigger signals a proximity rule fired in a room sensor.
	// Data: room_id, device, distance, kind.
	KindTrigger = "trigger"
)

// Event is one envelope on the [Bus].
type Event struct {
	// Timestamp is when the event was published.
	Timestamp time.Time `json:"ts"`
	// Kind is one of the Kind constants.
	Kind string `json:"type"`
	// Data holds the event payload; it must be JSON-encodable.
	Data any `json:"data,omitempty"`
}

// Bus fans [Event] envelopes out to [Feed]s. Publish never blocks: a
// feed whose buffer is full loses the event and counts the loss.
type Bus struct {
	mu    sync.RWMutex
	feeds map[*Feed]struct{}
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{feeds: make(map[*Feed]struct{})}
}

// Feed is one subscriber's view of a [Bus].
type Feed struct {
	bus     *Bus
	ch      chan Event
	kinds   map[string]struct{}
	dropped atomic.Uint64
	closed  bool // guarded by bus.mu
}

// Publish stamps e if needed and offers it to every feed that accepts
// its kind. A nil bus discards the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for f := range b.feeds {
		if !f.accepts(e.Kind) {
			continue
		}
		select {
		case f.ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
}

// Subscribe opens a feed buffering up to size events. With no kinds the
// feed receives everything; otherwise only the listed kinds. The feed
// must be closed when the consumer is done with it.
func (b *Bus) Subscribe(size int, kinds ...string) *Feed {
	f := &Feed{bus: b, ch: make(chan Event, size)}
	if len(kinds) > 0 {
		f.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			f.kinds[k] = struct{}{}
		}
	}
	b.mu.Lock()
	b.feeds[f] = struct{}{}
	b.mu.Unlock()
	return f
}

// SubscriberCount reports the number of open feeds.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.feeds)
}

func (f *Feed) accepts(kind string) bool {
	if f.kinds == nil {
		return true
	}
	_, ok := f.kinds[kind]
	return ok
}

// C is the delivery channel. It is closed by [Feed.Close].
func (f *Feed) C() <-chan Event { return f.ch }

// Dropped counts events lost to a full buffer.
func (f *Feed) Dropped() uint64 { return f.dropped.Load() }

// Close detaches the feed and closes its channel. Repeated calls are
// no-ops.
func (f *Feed) Close() {
	f.bus.mu.Lock()
	defer f.bus.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	delete(f.bus.feeds, f)
	close(f.ch)
}
