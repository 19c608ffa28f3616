// Package endpoint implements Endpoint and EndpointRegistry. External
// holders carry a weak (index, generation) handle into a slab rather than
// a shared pointer, so a stale handle from a released endpoint can always
// be detected instead of dereferencing freed state.
package endpoint

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/mcukernel/kernel/message"
)

// maxSignals is the semaphore's fixed capacity.
const maxSignals = 255

// Handle is a weak reference to an Endpoint: (slab index, generation).
// The zero Handle is the "empty" sentinel IsEmpty reports true for.
type Handle struct {
	index      int
	generation uint32
}

// IsEmpty reports whether h is the sentinel returned on a failed Create.
func (h Handle) IsEmpty() bool { return h.generation == 0 }

// Endpoint is a named, URI-addressed communication object.
type Endpoint struct {
	uri     string
	owner   Handle
	data    atomic.Uint32 // scratch slot used by Postman.fetch to stash "since"
	signals atomic.Uint32 // count in [0, maxSignals]

	mu        sync.Mutex
	published *message.Message
}

// URI returns the endpoint's immutable key.
func (e *Endpoint) URI() string { return e.uri }

// Owner returns the endpoint's owner handle, possibly empty.
func (e *Endpoint) Owner() Handle { return e.owner }

// SetData stashes an opaque value for a blocking predicate to read back
// (used by Postman.fetch to park the caller's "since" id).
func (e *Endpoint) SetData(v uint32) { e.data.Store(v) }

// Data reads the scratch value set by SetData.
func (e *Endpoint) Data() uint32 { return e.data.Load() }

// Signal attempts to take one slot of the endpoint's signal counter.
// Returns false once the counter has saturated at 255.
func (e *Endpoint) Signal() bool {
	for {
		cur := e.signals.Load()
		if cur >= maxSignals {
			return false
		}
		if e.signals.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// HasSignals is an unlocked, advisory read.
func (e *Endpoint) HasSignals() bool { return e.signals.Load() > 0 }

// GetSignals returns the prior signal count and resets the counter to
// zero. It is not atomic with HasSignals; a signal landing between the two
// calls is lost by design — signals are advisory.
func (e *Endpoint) GetSignals() uint8 {
	return uint8(e.signals.Swap(0))
}

// Publish replaces the endpoint's latest-message slot under its own
// critical section, releasing the previous occupant.
func (e *Endpoint) Publish(m *message.Message) {
	e.mu.Lock()
	prev := e.published
	e.published = m
	e.mu.Unlock()

	if prev != nil {
		prev.Release()
	}
}

// Peek reports whether a message is published with id greater than since.
func (e *Endpoint) Peek(since uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published != nil && e.published.ID() > since
}

// Pull returns a retained handle to the currently published message (the
// caller must Release it), or nil if nothing has been published yet.
func (e *Endpoint) Pull() *message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.published == nil {
		return nil
	}
	return e.published.Retain()
}

type slot struct {
	endpoint   *Endpoint
	generation uint32
	live       bool
}

// Registry is the process-wide URI -> Endpoint map. It keeps a bloom
// filter of every URI ever inserted alongside the authoritative map as a
// fast pre-check ahead of the map lookup — pure optimization, never
// changes results, since a bloom filter has no false negatives. The
// filter itself is not safe for concurrent access, so every read or write
// of it happens under mu.
type Registry struct {
	mu     sync.Mutex
	byURI  map[string]int
	slots  []slot
	filter *bloom.BloomFilter
}

// NewRegistry creates an empty registry sized for an expected number of
// distinct URIs (used only to size the bloom filter; the map grows freely).
func NewRegistry(expectedURIs uint) *Registry {
	return &Registry{
		byURI:  make(map[string]int),
		filter: bloom.NewWithEstimates(expectedURIs, 0.01),
	}
}

// Create registers uri with the given owner. Returns an empty handle if
// uri already exists.
func (r *Registry) Create(uri string, owner Handle) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Negative bloom test: this URI was certainly never inserted, so the
	// map lookup can be skipped outright.
	if r.filter.TestString(uri) {
		if _, exists := r.byURI[uri]; exists {
			return Handle{}, false
		}
	}

	ep := &Endpoint{uri: uri, owner: owner}

	for i := range r.slots {
		if !r.slots[i].live {
			r.slots[i].endpoint = ep
			r.slots[i].generation++
			r.slots[i].live = true
			r.byURI[uri] = i
			r.filter.AddString(uri)
			return Handle{index: i, generation: r.slots[i].generation}, true
		}
	}

	r.slots = append(r.slots, slot{endpoint: ep, generation: 1, live: true})
	idx := len(r.slots) - 1
	r.byURI[uri] = idx
	r.filter.AddString(uri)
	return Handle{index: idx, generation: 1}, true
}

// Release erases h's endpoint from the registry, if still live. It is a
// no-op for a stale or empty handle.
func (r *Registry) Release(h Handle) {
	if h.IsEmpty() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.index < 0 || h.index >= len(r.slots) {
		return
	}
	s := &r.slots[h.index]
	if !s.live || s.generation != h.generation {
		return
	}
	delete(r.byURI, s.endpoint.uri)
	s.live = false
	s.endpoint = nil
}

// Get looks up uri and returns a fresh handle to it.
func (r *Registry) Get(uri string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byURI[uri]
	if !ok {
		return Handle{}, false
	}
	s := r.slots[idx]
	return Handle{index: idx, generation: s.generation}, true
}

// Resolve dereferences a handle into its live *Endpoint, or nil if the
// handle is stale (its endpoint has since been released).
func (r *Registry) Resolve(h Handle) *Endpoint {
	if h.IsEmpty() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.index < 0 || h.index >= len(r.slots) {
		return nil
	}
	s := r.slots[h.index]
	if !s.live || s.generation != h.generation {
		return nil
	}
	return s.endpoint
}
