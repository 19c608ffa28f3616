//go:build linux

package dispatcher

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/nmxmxh/mcukernel/kernel/utils"
)

// pinToCore best-effort pins the calling goroutine's underlying OS thread
// to CoreID, approximating "this Dispatcher owns one hardware core" on a
// host that actually has independent cores. Failure is logged and
// ignored: affinity is a scheduling hint, not a correctness mechanism —
// the binding permit in package worker is what actually prevents two
// cores from running the same worker at once.
func (d *Dispatcher) pinToCore() {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(d.CoreID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		d.logger.Warn("cpu affinity pin failed", utils.Err(err))
	}
}
