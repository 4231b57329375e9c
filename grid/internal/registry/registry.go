// CLAUDE:SUMMARY Observer registry: liveness deadlines, deduplicated pending diff queues, lazy reaping during fan-out, one mutex.
// Package registry tracks connected observers and the cells each one has
// not yet seen change.
//
// Expired observers are not swept in the background. They are dropped the
// next time a fan-out or a drain notices them.
package registry

import (
	"sync"
	"time"

	"github.com/hazyhaar/cellgrid/idgen"
)

// DefaultWindow is the liveness window applied when none is configured.
const DefaultWindow = 30 * time.Second

type observer struct {
	deadline time.Time
	pending  []int
	queued   map[int]struct{}
}

func (o *observer) enqueue(i int) {
	if _, ok := o.queued[i]; ok {
		return
	}
	o.queued[i] = struct{}{}
	o.pending = append(o.pending, i)
}

// Registry is safe for concurrent use.
type Registry struct {
	window time.Duration
	now    func() time.Time
	newID  idgen.Generator

	mu        sync.Mutex
	observers map[string]*observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator replaces the observer id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Registry) { r.newID = gen }
}

// New returns an empty registry. A non-positive window uses DefaultWindow.
func New(window time.Duration, opts ...Option) *Registry {
	if window <= 0 {
		window = DefaultWindow
	}
	r := &Registry{
		window:    window,
		now:       time.Now,
		newID:     idgen.Observer,
		observers: make(map[string]*observer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Window returns the liveness window.
func (r *Registry) Window() time.Duration { return r.window }

// Register adds a new observer and returns its id and first deadline.
func (r *Registry) Register() (string, time.Time) {
	id := r.newID()
	deadline := r.now().Add(r.window)
	r.mu.Lock()
	r.observers[id] = &observer{deadline: deadline, queued: make(map[int]struct{})}
	r.mu.Unlock()
	return id, deadline
}

// Touch extends the deadline of a live observer. It reports false for
// unknown or already expired observers.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.live(id)
	if !ok {
		return false
	}
	o.deadline = r.now().Add(r.window)
	return true
}

// IsActive reports whether id is registered and within its deadline.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live(id)
	return ok
}

// Deadline returns the current deadline of a live observer.
func (r *Registry) Deadline(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.live(id)
	if !ok {
		return time.Time{}, false
	}
	return o.deadline, true
}

// Enqueue marks index i pending for id. Repeated calls before a drain keep
// a single entry at its first position.
func (r *Registry) Enqueue(id string, i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.live(id)
	if !ok {
		return false
	}
	o.enqueue(i)
	return true
}

// Drain returns and clears the pending indices of id and extends its
// deadline. An expired observer is removed and reported as unknown.
func (r *Registry) Drain(id string) ([]int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.observers[id]
	if !ok {
		return nil, false
	}
	now := r.now()
	if now.After(o.deadline) {
		delete(r.observers, id)
		return nil, false
	}
	out := o.pending
	o.pending = nil
	clear(o.queued)
	o.deadline = now.Add(r.window)
	return out, true
}

// Requeue puts indices back at the front of id's pending set after a
// failed delivery. Indices already pending again are not duplicated.
func (r *Registry) Requeue(id string, indices []int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.observers[id]
	if !ok {
		return false
	}
	front := make([]int, 0, len(indices)+len(o.pending))
	for _, i := range indices {
		if _, dup := o.queued[i]; dup {
			continue
		}
		o.queued[i] = struct{}{}
		front = append(front, i)
	}
	o.pending = append(front, o.pending...)
	return true
}

// Remove drops id. It reports whether id was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.observers[id]
	delete(r.observers, id)
	return ok
}

// FanOut enqueues i for every live observer other than mutator and removes
// every expired one it meets.
func (r *Registry) FanOut(mutator string, i int) (notified, reaped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, o := range r.observers {
		if id == mutator {
			continue
		}
		if now.After(o.deadline) {
			delete(r.observers, id)
			reaped++
			continue
		}
		o.enqueue(i)
		notified++
	}
	return notified, reaped
}

// Reap removes every expired observer and returns how many were removed.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for id, o := range r.observers {
		if now.After(o.deadline) {
			delete(r.observers, id)
			n++
		}
	}
	return n
}

// Len returns the number of registered observers, expired or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// Pending returns a copy of id's pending indices without draining them.
func (r *Registry) Pending(id string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.observers[id]
	if !ok {
		return nil
	}
	return append([]int(nil), o.pending...)
}

// live must be called with r.mu held.
func (r *Registry) live(id string) (*observer, bool) {
	o, ok := r.observers[id]
	if !ok || r.now().After(o.deadline) {
		return nil, false
	}
	return o, true
}
