// Package worker implements Worker, the kernel-scheduled fiber and its
// state machine: an atomic, CAS-driven state machine generalized from one
// global state to WorkerPoolSize independent ones.
package worker

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/mcukernel/kernel/endpoint"
	"github.com/nmxmxh/mcukernel/kernel/hal"
	"github.com/nmxmxh/mcukernel/kernel/queue"
	"github.com/nmxmxh/mcukernel/kernel/result"
)

// State is the worker state bitmask. Bits combine —
// a worker may carry BLOCKED|BLOCKED_TIMEOUT|SLEEPING at once. READY is
// the absence of every other bit, not a bit of its own.
type State uint32

const (
	READY           State = 0
	RUNNING         State = 1 << 0
	SLEEPING        State = 1 << 1
	ZOMBIE          State = 1 << 2
	BLOCKED         State = 1 << 3
	BLOCKED_TIMEOUT State = 1 << 4
	SUSPENDED       State = 1 << 5
)

// Unbound is the binding-permit sentinel meaning "no core owns this
// worker right now".
const Unbound int32 = -1

// BlockReason is a small sum type identifying why a worker blocked,
// purely for introspection/tests — Worker.Block/IsBlocking themselves only need the
// Predicate function, not the reason tag.
type BlockReason int

const (
	ReasonNone BlockReason = iota
	ReasonSignal
	ReasonNotify
	ReasonFetch
	ReasonCustom
)

// Predicate is evaluated by Block/IsBlocking. Returning CONTINUE means
// "keep waiting"; any other Result ends the block immediately.
type Predicate func(self, target *endpoint.Endpoint) result.Result

// Clock abstracts "now" in absolute microseconds so timeouts are
// deterministic under test.
type Clock interface {
	NowMicros() uint64
}

// Handler is the body a worker runs once assigned an endpoint. It
// receives the argument baked in at Assign time; it calls back into the
// kernel (via the Postman façade, not directly) to yield/sleep/block.
type Handler func(arg uint32)

// Worker is a kernel-scheduled fiber: a fixed stack, saved SP, state
// bitmask, blocking predicate, timeout, and binding permit.
type Worker struct {
	link queue.Link[Worker]

	ID    int
	core  hal.Core
	clock Clock

	stack   []uint32
	savedSP hal.SavedSP
	yielder hal.Yielder

	binding atomic.Int32

	mu         sync.Mutex
	state      State
	endpointH  endpoint.Handle
	timeout    uint64 // absolute micros; 0 = none
	reason     BlockReason
	target     endpoint.Handle
	predicate  Predicate
	lastResult result.Result
}

// QueueLink satisfies queue.Linked[Worker].
func (w *Worker) QueueLink() *queue.Link[Worker] { return &w.link }

// New allocates a worker with a fixed-size stack of stackWords 32-bit
// words, backed by the given hal.Core for context switching.
func New(id int, core hal.Core, clock Clock, stackWords int) *Worker {
	w := &Worker{ID: id, core: core, clock: clock, stack: make([]uint32, stackWords)}
	w.binding.Store(Unbound)
	return w
}

// Assign initializes the worker's stack to resume into handler(arg) and
// marks it READY. Only the Supervisor (via Exec) calls this.
func (w *Worker) Assign(owner endpoint.Handle, handler Handler, arg uint32) {
	w.mu.Lock()
	w.endpointH = owner
	w.state = READY
	w.timeout = 0
	w.reason = ReasonNone
	w.target = endpoint.Handle{}
	w.predicate = nil
	w.mu.Unlock()

	entry := func(y hal.Yielder, a uint32) {
		w.yielder = y
		handler(a)
	}
	onComplete := func(uint32) {
		w.mu.Lock()
		w.state |= ZOMBIE
		w.mu.Unlock()
	}
	w.savedSP = w.core.InitWorkerStack(w.stack, entry, onComplete, arg)
}

// Bind acquires the worker's single-permit binding lock for coreID.
// blocking=false tries once (used by the Dispatcher's per-cycle scan so a
// contended worker is simply skipped this pass); blocking=true spins until
// acquired (used by Resume, which must not give up).
func (w *Worker) Bind(coreID int, blocking bool) bool {
	for {
		if w.binding.CompareAndSwap(Unbound, int32(coreID)) {
			return true
		}
		if !blocking {
			return false
		}
		runtime.Gosched()
	}
}

// Release drops the binding permit if held by coreID; releasing a permit
// held by another core is a no-op.
func (w *Worker) Release(coreID int) {
	w.binding.CompareAndSwap(int32(coreID), Unbound)
}

// BoundCore returns the core currently holding the binding permit, or
// Unbound.
func (w *Worker) BoundCore() int32 { return w.binding.Load() }

// Yield is the sole suspension point from worker code: SVC 0 on real
// hardware, a channel handshake with the owning hal.Core here.
func (w *Worker) Yield() {
	if w.yielder != nil {
		w.yielder.Yield()
	}
}

// Run executes the worker until it yields or completes. It is a no-op if
// the worker is not bound to coreID.
func (w *Worker) Run(coreID int) {
	if w.binding.Load() != int32(coreID) {
		return
	}

	w.mu.Lock()
	w.state |= RUNNING
	w.mu.Unlock()

	sp, _ := w.core.Switch(w.savedSP)

	w.mu.Lock()
	w.state &^= RUNNING
	w.mu.Unlock()
	w.savedSP = sp
}

// Sleep parks the worker until now >= now()+ms, then yields. blocking
// additionally sets BLOCKED_TIMEOUT, for use from inside Block.
func (w *Worker) Sleep(ms uint64, blocking bool) {
	w.mu.Lock()
	w.timeout = w.clock.NowMicros() + ms*1000
	w.state |= SLEEPING
	if blocking {
		w.state |= BLOCKED_TIMEOUT
	}
	w.mu.Unlock()
	w.Yield()
}

// Block evaluates pred once; if it already resolved (anything but
// CONTINUE) it returns immediately without ever yielding. Otherwise it
// stores pred/target/reason, marks BLOCKED (+SLEEPING via Sleep if
// timeoutMs > 0), yields, and on resume returns the result IsBlocking
// stashed. timeoutMs == 0 means wait forever.
func (w *Worker) Block(reason BlockReason, pred Predicate, target endpoint.Handle, timeoutMs uint64, self, targetEP *endpoint.Endpoint) result.Result {
	if r := pred(self, targetEP); r != result.CONTINUE {
		return r
	}

	w.mu.Lock()
	w.reason = reason
	w.predicate = pred
	w.target = target
	w.state |= BLOCKED
	w.mu.Unlock()

	if timeoutMs > 0 {
		w.Sleep(timeoutMs, true)
	} else {
		w.Yield()
	}

	w.mu.Lock()
	res := w.lastResult
	w.mu.Unlock()
	return res
}

// IsSleeping reports whether the worker is still within its timeout
// window, clearing SLEEPING (and the timeout) once it has elapsed.
func (w *Worker) IsSleeping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state&SLEEPING == 0 {
		return false
	}
	if w.clock.NowMicros() < w.timeout {
		return true
	}
	w.state &^= SLEEPING
	w.timeout = 0
	return false
}

// IsBlocking re-evaluates the stored predicate. A predicate that keeps
// returning CONTINUE past its own timeout is force-resolved to TIMEOUT,
// converting a blocked wait into a timeout result — which only has an
// effect while the predicate would otherwise wait forever.
func (w *Worker) IsBlocking(self, target *endpoint.Endpoint) bool {
	w.mu.Lock()
	if w.state&BLOCKED == 0 {
		w.mu.Unlock()
		return false
	}
	pred := w.predicate
	hadTimeout := w.state&BLOCKED_TIMEOUT != 0
	w.mu.Unlock()

	res := pred(self, target)
	if res == result.CONTINUE {
		if !hadTimeout || w.IsSleeping() {
			return true
		}
		res = result.TIMEOUT
	}

	w.mu.Lock()
	w.state &^= (BLOCKED | BLOCKED_TIMEOUT)
	w.reason = ReasonNone
	w.predicate = nil
	w.target = endpoint.Handle{}
	w.lastResult = res
	w.mu.Unlock()
	return false
}

// Suspend marks the worker SUSPENDED and yields; the Dispatcher skips
// SUSPENDED workers entirely.
func (w *Worker) Suspend() {
	w.mu.Lock()
	w.state |= SUSPENDED
	w.mu.Unlock()
	w.Yield()
}

// Resume clears SUSPENDED on the target worker, binding it first (so a
// concurrently-dispatching core can't observe a half-resumed state).
func (w *Worker) Resume(coreID int) {
	w.Bind(coreID, true)
	w.mu.Lock()
	w.state &^= SUSPENDED
	w.mu.Unlock()
	w.Release(coreID)
}

// Halt marks the worker ZOMBIE and yields forever; the Dispatcher reaps
// it on its next post-run check.
func (w *Worker) Halt() {
	w.mu.Lock()
	w.state |= ZOMBIE
	w.mu.Unlock()
	for {
		w.Yield()
	}
}

// IsZombie reports the terminal state.
func (w *Worker) IsZombie() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state&ZOMBIE != 0
}

// IsSuspended reports whether the Dispatcher should skip this worker.
func (w *Worker) IsSuspended() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state&SUSPENDED != 0
}

// BlockTarget returns the endpoint handle the worker's current blocking
// predicate (if any) is evaluated against, so the Dispatcher can resolve
// it fresh each pass — the target may have been released mid-wait.
func (w *Worker) BlockTarget() endpoint.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.target
}

// EndpointHandle returns the worker's owning endpoint.
func (w *Worker) EndpointHandle() endpoint.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.endpointH
}

// SetEndpointHandle is used by the GC to null a zombie's endpoint. The GC
// releases the registry entry first and nulls the handle second, so
// there is never a window where a handle is null but its URI is still
// registered.
func (w *Worker) SetEndpointHandle(h endpoint.Handle) {
	w.mu.Lock()
	w.endpointH = h
	w.mu.Unlock()
}

// TimeoutMicros returns the worker's absolute timeout, or 0 if none is
// set, for the Dispatcher's idle-time calculation.
func (w *Worker) TimeoutMicros() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeout
}

// State returns a snapshot of the state bitmask, for tests/diagnostics.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
