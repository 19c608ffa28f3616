// Package message implements Message and MessagePool: a fixed-capacity
// slab of reusable message bodies handed out as refcounted handles,
// returned to the pool when the last handle drops — a pool-with-size-class
// pattern simplified to a single fixed-size body, since messages here
// carry one property bag, not many small allocation classes.
package message

import (
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/mcukernel/kernel/queue"
)

// Value is the closed tagged union a property bag holds: a static sum
// type standing in for runtime type-id tagging. The property bag itself
// (string -> Value) is out of this module's scope; this is the minimal
// shape the kernel's own code needs to compile and test against.
type Value struct {
	kind byte // 0=none 1=int64 2=string 3=bytes
	i    int64
	s    string
	b    []byte
}

func IntValue(v int64) Value   { return Value{kind: 1, i: v} }
func StringValue(v string) Value { return Value{kind: 2, s: v} }
func BytesValue(v []byte) Value { return Value{kind: 3, b: v} }

func (v Value) Int() (int64, bool)   { return v.i, v.kind == 1 }
func (v Value) String() (string, bool) { return v.s, v.kind == 2 }
func (v Value) Bytes() ([]byte, bool) { return v.b, v.kind == 3 }

// Origin identifies the endpoint that created a message by its URI. It
// carries no endpoint.Handle: message does not import endpoint (which would
// create an import cycle, since endpoint.Endpoint.Publish stores
// *message.Message).
type Origin struct {
	URI string
}

// Message is the single handle type pool and heap-fallback messages share.
type Message struct {
	body *messageBody
}

type messageBody struct {
	link  queue.Link[messageBody]
	id    uint32
	origin Origin
	props  map[string]Value
	refs   int32
	pooled bool
	pool   *Pool
}

func (b *messageBody) QueueLink() *queue.Link[messageBody] { return &b.link }

// ID returns the message's monotonic id.
func (m *Message) ID() uint32 { return m.body.id }

// Origin returns the endpoint that created the message.
func (m *Message) Origin() Origin { return m.body.origin }

// Set stores a property. It must only be called before
// the message is first published; the kernel does not enforce that at
// runtime (the "const" typing in the source isn't representable as a
// runtime check without an immutable-after-publish wrapper type, which
// would complicate every caller for a property the kernel itself never
// inspects).
func (m *Message) Set(key string, v Value) {
	m.body.props[key] = v
}

// Get reads a property.
func (m *Message) Get(key string) (Value, bool) {
	v, ok := m.body.props[key]
	return v, ok
}

// Retain increments the refcount, e.g. when a second holder keeps a
// pointer to a message already stored in an endpoint's published slot.
func (m *Message) Retain() *Message {
	atomic.AddInt32(&m.body.refs, 1)
	return &Message{body: m.body}
}

// Release drops a handle. When the last handle drops, a pooled body is
// cleared and returned to its pool's free queue; a heap-fallback body is
// simply left for the Go garbage collector.
func (m *Message) Release() {
	if m.body == nil {
		return
	}
	if atomic.AddInt32(&m.body.refs, -1) > 0 {
		return
	}
	if m.body.pooled {
		for k := range m.body.props {
			delete(m.body.props, k)
		}
		m.body.id = 0
		m.body.origin = Origin{}
		m.body.pool.free.Push(m.body)
	}
}

// Pool is a fixed-capacity MessagePool. Clients only ever see the single
// *Message handle type regardless of whether a body came from the pool or
// the heap fallback.
type Pool struct {
	free     *queue.Queue[messageBody]
	capacity int
	globalID atomic.Uint32
	mu       sync.Mutex
	fallbacks atomic.Uint32
}

// NewPool pre-allocates capacity message bodies.
func NewPool(capacity int) *Pool {
	p := &Pool{
		free:     queue.New[messageBody](),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		body := &messageBody{pooled: true, pool: p, props: make(map[string]Value)}
		p.free.Push(body)
	}
	return p
}

// Create allocates a message tagged with the given origin. If
// the pool is empty, it falls back to a heap allocation (invariant 6 in
// total live messages never exceed pool size + heap fallbacks).
func (p *Pool) Create(origin Origin) *Message {
	id := p.globalID.Add(1)

	if body := p.free.Pop(); body != nil {
		body.id = id
		body.origin = origin
		body.refs = 1
		return &Message{body: body}
	}

	p.fallbacks.Add(1)
	body := &messageBody{
		id:     id,
		origin: origin,
		props:  make(map[string]Value),
		refs:   1,
		pooled: false,
	}
	return &Message{body: body}
}

// Capacity returns the pool's fixed size.
func (p *Pool) Capacity() int { return p.capacity }

// Fallbacks returns the number of messages ever created via heap fallback
// (diagnostic only — it never decreases, since fallback bodies aren't
// returned to any pool free list).
func (p *Pool) Fallbacks() uint32 { return p.fallbacks.Load() }

// Available is a hint of how many pooled bodies are currently free.
func (p *Pool) Available() int { return p.free.Length() }
