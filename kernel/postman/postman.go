// Package postman implements the thin façade: every call
// resolves the calling worker's own context and delegates to
// package supervisor/endpoint/message — a small façade layer sitting
// directly on top of the real subsystem, in the same spirit as a bridge
// that translates one calling convention into another, here translating
// "caller" into "(*worker.Worker, endpoint.Handle)".
//
// Handler bodies receive their own *P directly as a closure argument
// instead of resolving a global self() lookup:
// Go gives every handler a private reference to its own context for free,
// so there is no "who am I" ambiguity for preemption to introduce.
package postman

import (
	"github.com/nmxmxh/mcukernel/kernel/endpoint"
	"github.com/nmxmxh/mcukernel/kernel/message"
	"github.com/nmxmxh/mcukernel/kernel/result"
	"github.com/nmxmxh/mcukernel/kernel/supervisor"
	"github.com/nmxmxh/mcukernel/kernel/worker"
)

// Handler is an application worker's entry point, called with its own
// façade and the argument passed at open/exec time.
type Handler func(p *P, arg uint32)

// P ("postman") is the per-worker façade handed to a Handler.
type P struct {
	sup  *supervisor.Supervisor
	self *worker.Worker
	ep   endpoint.Handle
}

// Start boots the kernel and execs appURI/appHandler as the root
// application worker. It blocks for the kernel's lifetime.
func Start(sup *supervisor.Supervisor, appURI string, appHandler Handler) error {
	if err := sup.Boot(); err != nil {
		return err
	}

	appEP, ok := sup.Registry().Create(appURI, endpoint.Handle{})
	if !ok {
		return sup.DuplicateAppEndpointErr(appURI)
	}

	var child *P
	w, res := sup.Exec(appEP, func(arg uint32) { appHandler(child, arg) }, 0)
	if res != result.SUCCESS {
		sup.Registry().Release(appEP)
		return sup.ExecFailedErr(res)
	}
	child = &P{sup: sup, self: w, ep: appEP}

	sup.Launch()
	return nil
}

// Open creates a new endpoint owned by the caller and execs handler on it,
// returning the new worker's façade. The same "capture, then assign after
// Exec returns" trick Start uses above applies here: the fiber Exec arms
// cannot actually run handler until a Dispatcher later resumes it, well
// after child has been assigned.
func (p *P) Open(uri string, handler Handler) (*P, result.Result) {
	newEP, ok := p.sup.Registry().Create(uri, p.ep)
	if !ok {
		return nil, result.ENDPOINT_DUPLICATE
	}

	var child *P
	w, res := p.sup.Exec(newEP, func(arg uint32) { handler(child, arg) }, 0)
	if res != result.SUCCESS {
		p.sup.Registry().Release(newEP)
		return nil, res
	}
	child = &P{sup: p.sup, self: w, ep: newEP}
	return child, result.SUCCESS
}

// Close halts the calling worker (close() -> self.halt()).
// The Dispatcher notices ZOMBIE on its next post-run check and is the one
// that actually moves the worker onto the zombies queue —
// Close itself only flips the state bit and parks; like real hardware, it
// never returns.
func (p *P) Close() {
	p.self.Halt()
}

// Yield gives up the remainder of the current time slice.
func (p *P) Yield() { p.self.Yield() }

// Sleep parks the calling worker for ms milliseconds.
func (p *P) Sleep(ms uint64) { p.self.Sleep(ms, false) }

// selfEndpoint resolves the caller's own endpoint fresh each call.
func (p *P) selfEndpoint() *endpoint.Endpoint { return p.sup.Registry().Resolve(p.ep) }

// Wait blocks until the calling endpoint has at least one signal pending,
// returning the accumulated count (and resetting it), or 0 on timeout.
func (p *P) Wait(timeoutMs uint64) uint8 {
	pred := func(self, _ *endpoint.Endpoint) result.Result {
		if self != nil && self.HasSignals() {
			return result.SUCCESS
		}
		return result.CONTINUE
	}
	self := p.selfEndpoint()
	res := p.self.Block(worker.ReasonSignal, pred, p.ep, timeoutMs, self, self)
	if res != result.SUCCESS {
		return 0
	}
	return self.GetSignals()
}

// Notify attempts to deposit one signal on target, blocking until it takes
// or timing out. Self-notification is refused outright.
func (p *P) Notify(target string, timeoutMs uint64) bool {
	targetH, ok := p.sup.Registry().Get(target)
	if !ok || targetH == p.ep {
		return false
	}
	pred := func(_, targetEP *endpoint.Endpoint) result.Result {
		if targetEP == nil {
			return result.ENDPOINT_NOT_AVAILABLE
		}
		if targetEP.Signal() {
			return result.SUCCESS
		}
		return result.CONTINUE
	}
	self := p.selfEndpoint()
	targetEP := p.sup.Registry().Resolve(targetH)
	res := p.self.Block(worker.ReasonNotify, pred, targetH, timeoutMs, self, targetEP)
	return res == result.SUCCESS
}

// Publish replaces the caller's latest-message slot. It never blocks.
func (p *P) Publish(m *message.Message) {
	if self := p.selfEndpoint(); self != nil {
		self.Publish(m)
	}
}

// Peek reports, without blocking, whether target has a message newer than
// since.
func (p *P) Peek(target string, since uint32) bool {
	h, ok := p.sup.Registry().Get(target)
	if !ok {
		return false
	}
	ep := p.sup.Registry().Resolve(h)
	return ep != nil && ep.Peek(since)
}

// Fetch blocks until target has a message newer than since, then returns a
// retained handle to it (the caller must Release it), or nil on timeout.
func (p *P) Fetch(target string, since uint32, timeoutMs uint64) *message.Message {
	targetH, ok := p.sup.Registry().Get(target)
	if !ok {
		return nil
	}

	self := p.selfEndpoint()
	if self == nil {
		return nil
	}
	self.SetData(since)

	pred := func(selfEP, targetEP *endpoint.Endpoint) result.Result {
		if targetEP == nil {
			return result.ENDPOINT_NOT_AVAILABLE
		}
		if targetEP.Peek(selfEP.Data()) {
			return result.SUCCESS
		}
		return result.CONTINUE
	}
	targetEP := p.sup.Registry().Resolve(targetH)
	if res := p.self.Block(worker.ReasonFetch, pred, targetH, timeoutMs, self, targetEP); res != result.SUCCESS {
		return nil
	}

	targetEP = p.sup.Registry().Resolve(targetH)
	if targetEP == nil {
		return nil
	}
	return targetEP.Pull()
}

// Compose allocates a fresh message from the shared pool, tagged with the
// caller's own endpoint as its origin.
func (p *P) Compose() *message.Message {
	var uri string
	if self := p.selfEndpoint(); self != nil {
		uri = self.URI()
	}
	return p.sup.Pool().Create(message.Origin{URI: uri})
}
