//go:build cortexm0

// Package cortexm0 documents the real Cortex-M0+ ContextSwitch stub
// contract. It is not built by default (build tag cortexm0) and does not
// implement hal.Core: the instruction sequence is platform-specific
// assembly, out of this module's reach — the unimplemented counterpart to
// hal/sim, the same way a js/wasm-only build leaves a browser-specific
// half of an interface undefined outside that build.
//
// A real implementation provides two entry points:
//
//   __isr_SVCALL: the handler-mode ISR installed for both the SVCall and
//   SysTick vectors. On entry from thread mode it pushes the software-saved
//   register set (LR=0xFFFFFFFD, R4-R7, R8-R11) onto the interrupted
//   worker's process stack (completing the 17-word frame hal.WriteInitialFrame
//   describes), stores PSP into the Dispatcher-visible saved-SP slot, and
//   returns to the Dispatcher's own stack. On the Dispatcher's next call
//   into the stub it pops the mirror image and performs an exception
//   return into thread mode using PSP, resuming the worker exactly where it
//   yielded (or, on first resume, at the entry PC written into the frame's
//   hardware slot).
//
//   __init_worker_stack(end_of_stack_ptr): bootstraps the calling context
//   into handler mode via a synthetic SVCall off a throwaway stack, so all
//   subsequent Dispatcher execution runs in handler mode and every worker
//   runs in thread mode on its own PSP-addressed stack.
//
// SVCall, PendSV, and SysTick priorities must be configured to the lowest
// priority bits (PPB SHPR2/SHPR3) so none of them can preempt anything
// else, and so that SVCall wins over SysTick when both are pending (lower
// exception number).
package cortexm0

import "github.com/nmxmxh/mcukernel/kernel/hal"

// core is a deliberately unimplemented hal.Core: building this package
// for a real Cortex-M0+ target requires supplying __isr_SVCALL and
// __init_worker_stack in assembly alongside it.
type core struct{}

// New would return a hal.Core backed by the real SVCall/SysTick ISR. It
// panics because that ISR is assembly this module does not carry.
func New() hal.Core {
	panic("cortexm0: requires the __isr_SVCALL / __init_worker_stack assembly stub; see package doc comment")
}
