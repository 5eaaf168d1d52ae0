package watch

import (
	"sync"

	"github.com/google/uuid"
)

// SubscriberFunc is invoked with ownership of a batch of events. A batch is
// never empty (see Filter.FilterAndNotify) and is never delivered to more
// than one callback without being cloned first.
type SubscriberFunc func(Batch)

// SubscriberHandle is the opaque token returned by Registry.Register, used
// to deregister a subscriber later. It wraps a UUID rather than a reused
// integer counter so that handles remain unique across the lifetime of a
// Registry even if subscribers churn heavily.
type SubscriberHandle uuid.UUID

// Registry holds the set of registered subscriber callbacks and fans batches
// out to all of them. Registration state and delivery share one mutex:
// notify holds it for the duration of invoking every callback, so a
// subscriber must never call Register or Deregister from within its own
// callback.
type Registry struct {
	mu          sync.Mutex
	subscribers map[SubscriberHandle]SubscriberFunc
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry() *Registry {
	return &Registry{
		subscribers: make(map[SubscriberHandle]SubscriberFunc),
	}
}

// Register adds callback to the registry and returns a handle that can be
// passed to Deregister.
func (r *Registry) Register(callback SubscriberFunc) SubscriberHandle {
	handle := SubscriberHandle(uuid.New())
	r.mu.Lock()
	r.subscribers[handle] = callback
	r.mu.Unlock()
	return handle
}

// Deregister removes the callback associated with handle. It is a no-op if
// the handle is unknown (e.g. already deregistered).
func (r *Registry) Deregister(handle SubscriberHandle) {
	r.mu.Lock()
	delete(r.subscribers, handle)
	r.mu.Unlock()
}

// Notify invokes every registered callback with batch. If there is more than
// one subscriber, only the first (in arbitrary map order) receives the
// original slice; every other subscriber receives an independently owned
// clone, so no callback can observe another's mutations.
func (r *Registry) Notify(batch Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := true
	for _, callback := range r.subscribers {
		if first {
			callback(batch)
			first = false
			continue
		}
		clone := make(Batch, len(batch))
		copy(clone, batch)
		callback(clone)
	}
}

// Filter is the seam through which every error in the system escapes: it
// wraps a Registry with synthetic-FAILED-batch construction and empty-batch
// suppression.
type Filter struct {
	registry *Registry
}

// NewFilter wraps registry.
func NewFilter(registry *Registry) *Filter {
	return &Filter{registry: registry}
}

// SendError synthesizes a single-event batch carrying a FAILED event with
// msg as its path, and notifies every subscriber.
func (f *Filter) SendError(msg string) {
	f.registry.Notify(Batch{newEvent(KindFailed, msg)})
}

// FilterAndNotify notifies subscribers of batch unless it is empty.
func (f *Filter) FilterAndNotify(batch Batch) {
	if len(batch) == 0 {
		return
	}
	f.registry.Notify(batch)
}
