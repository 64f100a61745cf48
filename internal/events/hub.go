package events

import (
	"log/slog"
	"sync"
)

// Topic is a synchronous, typed listener registry for one kind of event.
// Publish calls every listener registered at the moment of the call, on
// the caller's goroutine, before returning. There is no buffering for
// late subscribers and no per-listener filtering: each listener sees
// every event and decides for itself whether it cares.
//
// A panicking listener is recovered and logged so the remaining
// listeners still run. The zero value is not usable; create topics with
// [NewTopic] or through a [Hub].
type Topic[T any] struct {
	name   string
	logger *slog.Logger

	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]func(T)
}

// NewTopic creates an empty topic. The name is used only in log output.
func NewTopic[T any](name string, logger *slog.Logger) *Topic[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic[T]{
		name:      name,
		logger:    logger,
		listeners: make(map[uint64]func(T)),
	}
}

// Subscribe registers fn and returns a handle that removes it again.
func (t *Topic[T]) Subscribe(fn func(T)) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	return &Subscription{cancel: func() { t.remove(id) }}
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	delete(t.listeners, id)
	t.mu.Unlock()
}

// Publish delivers ev to all current listeners. Safe to call on a nil
// receiver (no-op). Listeners may subscribe or unsubscribe from within
// their callback; such changes take effect from the next Publish.
func (t *Topic[T]) Publish(ev T) {
	if t == nil {
		return
	}
	t.mu.RLock()
	fns := make([]func(T), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		t.invoke(fn, ev)
	}
}

func (t *Topic[T]) invoke(fn func(T), ev T) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("event listener panicked",
				"event", t.name,
				"panic", r,
			)
		}
	}()
	fn(ev)
}

// Len returns the number of registered listeners.
func (t *Topic[T]) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners)
}

// Subscription is returned by [Topic.Subscribe]. Close is idempotent
// and safe on a nil receiver.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Close removes the listener.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscriptions groups handles so a consumer can tear them down together.
type Subscriptions []*Subscription

// Close removes every listener in the group.
func (ss Subscriptions) Close() {
	for _, s := range ss {
		s.Close()
	}
}
