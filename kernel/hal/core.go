package hal

// EntryFunc is a worker's handler body. It receives a Yielder so it can
// cooperatively return control to its Dispatcher — the software
// equivalent of executing `SVC 0`.
type EntryFunc func(y Yielder, arg uint32)

// CompletionFunc runs when an EntryFunc returns, standing in for the
// `oncomplete` trampoline wired into LR's hardware slot.
type CompletionFunc func(arg uint32)

// Yielder is handed to a running worker fiber so it can suspend itself.
type Yielder interface {
	Yield()
}

// SavedSP is the opaque "saved stack pointer" threaded through Worker
// and Dispatcher. On real hardware it is a genuine address into the
// worker's stack; hal/sim's value only identifies a fiber, since Go gives
// us no way to save/restore a register file by hand.
type SavedSP uintptr

// Core is the ContextSwitch stub's platform contract: build a worker's
// initial frame, and switch into/out of it.
type Core interface {
	// InitWorkerStack lays out a fresh fiber over stack that will invoke
	// entry(y, arg) on first Switch, and onComplete(arg) if entry returns.
	// Returns the initial saved SP for Worker.assign to store.
	InitWorkerStack(stack []uint32, entry EntryFunc, onComplete CompletionFunc, arg uint32) SavedSP

	// Switch transfers control to the fiber identified by sp until it
	// yields or completes. It returns the fiber's updated saved SP (valid
	// only while !done) and whether the fiber has run to completion.
	Switch(sp SavedSP) (next SavedSP, done bool)

	// Bootstrap arranges for the calling goroutine's subsequent work to
	// behave as if running in exception (handler) mode, i.e. as a
	// Dispatcher, by constructing a dummy stack and SVCalling into handler
	// mode. The simulation has no privilege levels, so this is a no-op
	// retained for interface parity with hal/cortexm0.
	Bootstrap()
}
