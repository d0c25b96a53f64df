package subscriber

import "sync"

// Poke is a push notification that content of some entry types changed.
type Poke struct {
	MutatedEntryTypes []string `json:"mutatedEntryTypes"`
}

// Has reports whether tag is among the mutated entry types.
func (p Poke) Has(tag string) bool {
	for _, t := range p.MutatedEntryTypes {
		if t == tag {
			return true
		}
	}
	return false
}

// Callback receives a published poke.
type Callback func(Poke)

type registration struct {
	id uint64
	cb Callback
}

// Registry is an ordered publish/subscribe set of callbacks.
//
// Thread-safety: all methods are safe for concurrent use. Publish invokes
// callbacks outside the lock, so a callback may Register or unregister
// without deadlocking; such changes take effect from the next Publish.
type Registry struct {
	mu   sync.Mutex
	next uint64
	subs []registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends cb and returns a func removing it. The returned func is
// idempotent.
func (r *Registry) Register(cb Callback) (unregister func()) {
	r.mu.Lock()
	r.next++
	id := r.next
	r.subs = append(r.subs, registration{id: id, cb: cb})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// Publish invokes every current callback with p, in registration order, and
// returns how many were invoked.
func (r *Registry) Publish(p Poke) int {
	r.mu.Lock()
	subs := append([]registration(nil), r.subs...)
	r.mu.Unlock()

	for _, s := range subs {
		s.cb(p)
	}
	return len(subs)
}

// Len returns the number of registered callbacks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
