// Package dispatcher implements the per-core Dispatcher:
// it walks the shared ready queue via its cycle-tag iterator, binds and
// runs each runnable worker once per cycle, and idles for the remaining
// slack once a cycle completes — a reactive polling loop generalized from
// "poll one shared-memory mailbox" to "round-robin a shared ready queue
// across two cores".
package dispatcher

import (
	"sync/atomic"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/mcukernel/kernel/endpoint"
	"github.com/nmxmxh/mcukernel/kernel/queue"
	"github.com/nmxmxh/mcukernel/kernel/utils"
	"github.com/nmxmxh/mcukernel/kernel/worker"
)

// Clock abstracts wall-clock reads so idle/timeout math is testable.
type Clock interface {
	NowMicros() uint64
}

// Host owns the shared state a Dispatcher needs beyond its own core id:
// the ready queue, the registry to resolve a worker's endpoint and its
// blocking target, and a hook run when a worker is found ZOMBIE after
// dispatch.
type Host interface {
	Ready() *queue.Queue[worker.Worker]
	Resolve(h endpoint.Handle) *endpoint.Endpoint
	OnZombie(w *worker.Worker)
}

// Config holds the per-core tunables. The loop reads only MaxIdleMicros,
// which caps the idle sleep; TimeSliceMicros and NoIdleForSignalBlocks are
// carried but not consulted, so no time slice is enforced and
// signal-blocked workers do not suppress idling.
type Config struct {
	TimeSliceMicros       uint32
	MaxIdleMicros         uint32
	NoIdleForSignalBlocks bool
}

// Dispatcher is the per-core scheduler loop. Unlike real hardware, a
// worker's time slice here is advisory: the simulation has no way to
// interrupt an arbitrary goroutine mid-instruction the way a real SysTick
// NMI interrupts the CPU (documented limitation — every blocking kernel
// API still funnels through Worker.Yield, so cooperative
// workers behave identically to preemptively-scheduled ones in practice).
type Dispatcher struct {
	CoreID int
	host   Host
	clock  Clock
	cfg    Config
	logger *utils.Logger

	idleLimiter *limiter.TokenBucket
	sleepFunc   func(time.Duration)

	// current mirrors the hardware Dispatcher's "current worker" slot that
	// reads with IRQs disabled on real hardware. Kernel-internal code
	// (the Supervisor's GC bookkeeping, diagnostics) can read it through
	// Current(); ordinary worker code instead receives its own *worker.Worker
	// via closure at Assign time (package postman), which needs no such
	// introspection and cannot observe a stale or migrated value.
	current atomic.Pointer[worker.Worker]
}

// New builds a Dispatcher for the given core.
func New(coreID int, host Host, clock Clock, cfg Config, logger *utils.Logger) *Dispatcher {
	// At most ~5 idle-sleep decisions logged per second per core, so a
	// Dispatcher parked near MaxIdleMicros doesn't flood stdio.
	idleLimiter, _ := limiter.NewTokenBucket(
		limiter.Config{Rate: 5, Duration: time.Second, Burst: 1},
		store.NewMemoryStore(time.Minute),
	)

	return &Dispatcher{
		CoreID:      coreID,
		host:        host,
		clock:       clock,
		cfg:         cfg,
		logger:      logger.With(utils.Int("core", coreID)),
		idleLimiter: idleLimiter,
		sleepFunc:   time.Sleep,
	}
}

// Begin runs the Dispatcher loop until stop is closed. It is meant to run
// for the lifetime of one hardware core ("runs forever in
// handler mode").
func (d *Dispatcher) Begin(stop <-chan struct{}) {
	d.pinToCore()
	for {
		select {
		case <-stop:
			return
		default:
		}
		d.runCycle()
	}
}

// runCycle performs exactly one ready-queue round-robin pass.
func (d *Dispatcher) runCycle() {
	idle := d.cfg.MaxIdleMicros

	for {
		w := d.host.Ready().Next()
		if w == nil {
			break // end-of-cycle, per the cycle-tag protocol
		}

		if !w.Bind(d.CoreID, false) {
			continue // another core owns it this cycle; skip
		}

		selfEP := d.host.Resolve(w.EndpointHandle())
		sleeping := w.IsSleeping()
		blocking := false
		if !sleeping {
			targetEP := d.host.Resolve(w.BlockTarget())
			blocking = w.IsBlocking(selfEP, targetEP)
		}

		if !sleeping && !blocking && !w.IsSuspended() {
			d.current.Store(w)
			d.dispatch(w)
			d.current.Store(nil)
			if w.IsZombie() {
				d.host.OnZombie(w)
			}
		}

		if t := w.TimeoutMicros(); t > 0 {
			now := d.clock.NowMicros()
			var remaining uint32
			if t > now {
				remaining = uint32(t - now)
			}
			if remaining < idle {
				idle = remaining
			}
		}

		w.Release(d.CoreID)
	}

	if idle > 0 {
		if d.idleLimiter.Allow("idle") {
			d.logger.Debug("idle", utils.Uint64("micros", uint64(idle)))
		}
		d.sleepFunc(time.Duration(idle) * time.Microsecond)
	}
}

// dispatch runs the worker until it yields or completes. No tick is armed,
// so the worker is not cut off at the end of a time slice.
func (d *Dispatcher) dispatch(w *worker.Worker) {
	w.Run(d.CoreID)
}

// SetSleepFunc overrides the idle-sleep primitive (tests use this to avoid
// real wall-clock waits).
func (d *Dispatcher) SetSleepFunc(f func(time.Duration)) { d.sleepFunc = f }

// Current returns the worker this Dispatcher is presently running, or nil
// between dispatches — the "current core's Dispatcher's
// current-worker pointer".
func (d *Dispatcher) Current() *worker.Worker { return d.current.Load() }
