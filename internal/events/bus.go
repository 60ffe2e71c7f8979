// Package events provides the process-wide typed publish/subscribe channel
// used by the API client core. Two signals exist: SessionEnded (credential
// renewal failed or the user logged out) and JobStatusChanged (every status
// observed by polling or push).
//
// A Bus is an explicitly owned value passed to the components that publish or
// observe; there is no package-level instance.
package events

import (
	"sync"
	"time"

	"github.com/tonimelisma/receipts-go/internal/job"
)

// SessionEnded is published when the credential pair has been torn down.
type SessionEnded struct {
	Reason string
	At     time.Time
}

// JobStatusChanged is published for every observed job status.
type JobStatusChanged struct {
	Status job.Status
}

// Topic is a set of subscribers for one event type. Handlers run
// synchronously in the publishing goroutine, in subscription order. A handler
// must not block; long work belongs in a goroutine started by the handler.
type Topic[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(T)
	order  []uint64
}

// Subscribe registers fn and returns a function that removes it. The returned
// cancel function is idempotent.
func (t *Topic[T]) Subscribe(fn func(T)) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subs == nil {
		t.subs = make(map[uint64]func(T))
	}

	t.nextID++
	id := t.nextID
	t.subs[id] = fn
	t.order = append(t.order, id)

	var once sync.Once

	return func() {
		once.Do(func() { t.unsubscribe(id) })
	}
}

func (t *Topic[T]) unsubscribe(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.subs, id)

	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Publish delivers ev to a snapshot of the current subscribers. Subscribing or
// unsubscribing from inside a handler is allowed and takes effect for the
// next Publish.
func (t *Topic[T]) Publish(ev T) {
	t.mu.Lock()
	handlers := make([]func(T), 0, len(t.order))

	for _, id := range t.order {
		handlers = append(handlers, t.subs[id])
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Len returns the number of active subscribers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.order)
}

// Bus groups the core's topics. The zero value is ready to use.
type Bus struct {
	SessionEnded     Topic[SessionEnded]
	JobStatusChanged Topic[JobStatusChanged]
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}
