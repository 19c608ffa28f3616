// Package sim is the host-side hal.Core used by tests, the demo, and any
// build that isn't real Cortex-M0+ silicon. It realizes a worker fiber as
// a goroutine parked on a channel handshake, so Dispatcher/Worker drive
// the exact same InitWorkerStack -> Switch -> Yield sequence a real target
// would, with the same single-fiber-runs-at-a-time discipline (interface
// in hal, implementation here).
package sim

import (
	"sync"

	"github.com/nmxmxh/mcukernel/kernel/hal"
)

type fiber struct {
	id         uint64
	resume     chan struct{}
	yielded    chan struct{}
	done       bool
	entry      hal.EntryFunc
	onComplete hal.CompletionFunc
	arg        uint32
	started    bool
}

func (f *fiber) Yield() {
	f.yielded <- struct{}{}
	<-f.resume
}

func (f *fiber) run() {
	<-f.resume
	f.entry(f, f.arg)
	if f.onComplete != nil {
		f.onComplete(f.arg)
	}
	f.done = true
	f.yielded <- struct{}{}
}

// Core is a goroutine-backed hal.Core. One Core instance may switch into
// any number of fibers; it does not itself enforce the binding-permit
// exclusivity Worker/Dispatcher are responsible for.
type Core struct {
	mu     sync.Mutex
	fibers map[hal.SavedSP]*fiber
	nextID uint64
}

// New returns a ready-to-use simulated Core.
func New() *Core {
	return &Core{fibers: make(map[hal.SavedSP]*fiber)}
}

// InitWorkerStack lays out the 17-word frame for documentation/test
// fidelity (hal.WriteInitialFrame) and spins up the goroutine that will
// run entry once Switch is first called on the returned SavedSP.
func (c *Core) InitWorkerStack(stack []uint32, entry hal.EntryFunc, onComplete hal.CompletionFunc, arg uint32) hal.SavedSP {
	// entry/onComplete are Go closures, not machine addresses, but we
	// still write the frame so tests can assert its shape matches the
	// real target exactly; the PC/LR words are never dereferenced here.
	hal.WriteInitialFrame(stack, 0, 0, arg)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	f := &fiber{
		id:         id,
		resume:     make(chan struct{}),
		yielded:    make(chan struct{}),
		entry:      entry,
		onComplete: onComplete,
		arg:        arg,
	}
	sp := hal.SavedSP(id)

	c.mu.Lock()
	c.fibers[sp] = f
	c.mu.Unlock()

	go f.run()
	return sp
}

// Switch resumes the fiber identified by sp and blocks until it yields or
// completes.
func (c *Core) Switch(sp hal.SavedSP) (hal.SavedSP, bool) {
	c.mu.Lock()
	f, ok := c.fibers[sp]
	c.mu.Unlock()
	if !ok {
		return sp, true
	}

	f.resume <- struct{}{}
	<-f.yielded

	if f.done {
		c.mu.Lock()
		delete(c.fibers, sp)
		c.mu.Unlock()
		return sp, true
	}
	return sp, false
}

// Bootstrap is a no-op: the simulation has no privilege levels to enter.
func (c *Core) Bootstrap() {}
