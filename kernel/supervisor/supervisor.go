// Package supervisor implements the kernel Supervisor: it owns the
// worker pool's three queues (free/ready/zombies), the Endpoint registry,
// the MessagePool, and the per-core Dispatcher pair, and drives the boot
// sequence that brings both up. The interface-heavy layout generalizes from
// "a tree of cognitive-role supervisors" to "one pool of fiber workers
// shared by two Dispatchers".
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nmxmxh/mcukernel/kernel/clock"
	"github.com/nmxmxh/mcukernel/kernel/config"
	"github.com/nmxmxh/mcukernel/kernel/dispatcher"
	"github.com/nmxmxh/mcukernel/kernel/endpoint"
	"github.com/nmxmxh/mcukernel/kernel/hal"
	"github.com/nmxmxh/mcukernel/kernel/hal/sim"
	"github.com/nmxmxh/mcukernel/kernel/message"
	"github.com/nmxmxh/mcukernel/kernel/queue"
	"github.com/nmxmxh/mcukernel/kernel/result"
	"github.com/nmxmxh/mcukernel/kernel/utils"
	"github.com/nmxmxh/mcukernel/kernel/worker"
)

// gcURI is the well-known endpoint the zombie-reaping GC worker always
// binds.
const gcURI = "/postman/gc"

// Supervisor owns every piece of shared kernel state: the worker pool and
// its three queues, the endpoint registry, the message pool, and one
// Dispatcher per core.
type Supervisor struct {
	cfg    config.Config
	bootID string
	logger *utils.Logger
	clock  *clock.Monotonic
	core   hal.Core

	free    *queue.Queue[worker.Worker]
	ready   *queue.Queue[worker.Worker]
	zombies *queue.Queue[worker.Worker]
	workers []*worker.Worker

	registry *endpoint.Registry
	pool     *message.Pool
	gcEP     endpoint.Handle

	dispatchers [2]*dispatcher.Dispatcher
	stop        chan struct{}
	stopped     atomic.Bool
	wg          sync.WaitGroup
	shutdownMgr *utils.GracefulShutdown

	breaker *gobreaker.CircuitBreaker[struct{}]
}

// New builds a Supervisor from cfg but does not yet allocate the worker
// pool or start anything — that happens in Boot, which must be called
// from core 0 before any Dispatcher runs. Every log line logger (and its
// derivatives) emits for the life of this Supervisor carries the same
// randomly generated boot_id field, so logs from one run are easy to
// separate from the next.
func New(cfg config.Config, logger *utils.Logger) *Supervisor {
	bootID := utils.GenerateID()
	logger = logger.With(utils.String("boot_id", bootID))

	return &Supervisor{
		cfg:         cfg,
		bootID:      bootID,
		logger:      logger,
		clock:       clock.NewMonotonic(),
		core:        sim.New(),
		free:        queue.New[worker.Worker](),
		ready:       queue.New[worker.Worker](),
		zombies:     queue.New[worker.Worker](),
		registry:    endpoint.NewRegistry(uint(cfg.WorkerPoolSize) + 4),
		pool:        message.NewPool(cfg.MessageBankSize),
		stop:        make(chan struct{}),
		shutdownMgr: utils.NewGracefulShutdown(2*time.Second, logger.With(utils.String("component", "shutdown"))),
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "gc-drain",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     2 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("gc breaker state change",
					utils.String("breaker", name),
					utils.String("from", from.String()),
					utils.String("to", to.String()))
			},
		}),
	}
}

// BootID returns the random identifier stamped into every log line this
// Supervisor's logger emits for the current run.
func (s *Supervisor) BootID() string { return s.bootID }

// Registry returns the shared endpoint registry.
func (s *Supervisor) Registry() *endpoint.Registry { return s.registry }

// Pool returns the shared message pool.
func (s *Supervisor) Pool() *message.Pool { return s.pool }

// Clock returns the shared wall clock, for callers that need absolute
// timestamps outside the Worker/Dispatcher timeout machinery.
func (s *Supervisor) Clock() *clock.Monotonic { return s.clock }

// Ready satisfies dispatcher.Host.
func (s *Supervisor) Ready() *queue.Queue[worker.Worker] { return s.ready }

// Resolve satisfies dispatcher.Host.
func (s *Supervisor) Resolve(h endpoint.Handle) *endpoint.Endpoint { return s.registry.Resolve(h) }

// OnZombie satisfies dispatcher.Host: it is Halt, the hook run when the
// Dispatcher finds a worker ZOMBIE after dispatch.
func (s *Supervisor) OnZombie(w *worker.Worker) { s.Halt(w) }

// Exec pops a worker from free and assigns it to run handler(arg) as the
// owner of ep, pushing it onto ready on success. It fails closed if either
// the endpoint handle has gone stale or the pool is exhausted: pop from
// free; if both the endpoint resolve and the free-pop succeed, assign and
// push onto ready, otherwise fail closed.
func (s *Supervisor) Exec(ep endpoint.Handle, handler worker.Handler, arg uint32) (*worker.Worker, result.Result) {
	if s.registry.Resolve(ep) == nil {
		return nil, result.ENDPOINT_NOT_AVAILABLE
	}
	w := s.free.Pop()
	if w == nil {
		return nil, result.WORKER_NOT_AVAILABLE
	}
	w.Assign(ep, handler, arg)
	s.ready.Push(w)
	return w, result.SUCCESS
}

// Halt removes w from ready, pushes it onto zombies, and signals the GC
// endpoint so the next wait() wake drains it.
func (s *Supervisor) Halt(w *worker.Worker) {
	s.ready.Remove(w)
	s.zombies.Push(w)
	if gc := s.registry.Resolve(s.gcEP); gc != nil {
		gc.Signal()
	}
}

// Self returns the worker coreID's Dispatcher is presently running, or nil.
// Worker-side code never needs this (package postman hands a worker its own
// *worker.Worker via closure at Exec time); it exists for completeness
// and kernel-internal diagnostics.
func (s *Supervisor) Self(coreID int) *worker.Worker {
	if coreID < 0 || coreID > 1 || s.dispatchers[coreID] == nil {
		return nil
	}
	return s.dispatchers[coreID].Current()
}

// Next delegates to the shared ready queue's cycle-tag iterator.
func (s *Supervisor) Next() *worker.Worker { return s.ready.Next() }

// Boot allocates the worker pool, initializes the queues (already empty
// from New), and execs the GC worker onto its well-known endpoint. It does
// not create the application endpoint or launch any Dispatcher — package
// postman's Start does that immediately afterward, once it can capture the
// app worker's own façade.
func (s *Supervisor) Boot() error {
	s.logger.Info("booting kernel", utils.Int("worker_pool_size", s.cfg.WorkerPoolSize))

	for i := 0; i < s.cfg.WorkerPoolSize; i++ {
		w := worker.New(i, s.core, s.clock, s.cfg.WorkerStackWords)
		s.workers = append(s.workers, w)
		s.free.Push(w)
	}

	gcEP, ok := s.registry.Create(gcURI, endpoint.Handle{})
	if !ok {
		return utils.NewError("supervisor: gc endpoint already exists")
	}
	s.gcEP = gcEP

	// gcSelf is wired up before the GC's fiber ever actually runs (Exec
	// only arms the fiber; it stays parked until a Dispatcher calls
	// Switch on a later cycle), so the closure always sees a non-nil
	// worker by the time gcLoop's body executes.
	var gcSelf *worker.Worker
	gcWorker, res := s.Exec(gcEP, func(arg uint32) { s.gcLoop(gcSelf, arg) }, 0)
	if res != result.SUCCESS {
		return utils.NewError("supervisor: failed to start gc worker: " + res.String())
	}
	gcSelf = gcWorker

	dispCfg := dispatcher.Config{
		TimeSliceMicros:       s.cfg.WorkerTimeSliceMicros,
		MaxIdleMicros:         s.cfg.DispatcherMaxIdleMicros,
		NoIdleForSignalBlocks: s.cfg.DispatcherNoIdleForSignals,
	}
	s.dispatchers[0] = dispatcher.New(0, s, s.clock, dispCfg, s.logger)
	if s.cfg.DispatcherMulticore {
		s.dispatchers[1] = dispatcher.New(1, s, s.clock, dispCfg, s.logger)
	}

	s.shutdownMgr.Register(func() error {
		close(s.stop)
		s.wg.Wait()
		return nil
	})
	return nil
}

// Launch starts every configured Dispatcher and blocks for the kernel's
// entire lifetime on this (core 0's) Dispatcher loop, launching the second
// core's loop on its own goroutine first if DispatcherMulticore is set.
func (s *Supervisor) Launch() {
	s.wg.Add(1)
	if s.dispatchers[1] != nil {
		s.wg.Add(1)
		go s.launch(1)
	}
	s.launch(0)
}

// launch runs coreID's Dispatcher loop until Shutdown.
func (s *Supervisor) launch(coreID int) {
	defer s.wg.Done()
	s.dispatchers[coreID].Begin(s.stop)
}

// DuplicateAppEndpointErr reports that uri was already registered when the
// caller tried to create the root application endpoint.
func (s *Supervisor) DuplicateAppEndpointErr(uri string) error {
	return utils.NewError("supervisor: app endpoint already exists: " + uri)
}

// ExecFailedErr reports that exec-ing the application worker failed with r.
func (s *Supervisor) ExecFailedErr(r result.Result) error {
	return utils.NewError("supervisor: failed to start app worker: " + r.String())
}

// Shutdown stops every Dispatcher loop through the registered graceful
// shutdown hook, waiting for both cores to observe it before returning (or
// logging a timeout). It is idempotent.
func (s *Supervisor) Shutdown() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if err := s.shutdownMgr.Shutdown(context.Background()); err != nil {
		s.logger.Warn("dispatcher shutdown did not complete cleanly", utils.Err(err))
	}
}

// gcLoop is the garbage collector worker's body: loop on wait(), and when
// signalled, drain the zombies queue through a breaker. Registry.Release
// reports no error, so every drain pass counts as a breaker success and
// the breaker does not trip.
func (s *Supervisor) gcLoop(self *worker.Worker, _ uint32) {
	pred := func(selfEP, _ *endpoint.Endpoint) result.Result {
		if selfEP != nil && selfEP.HasSignals() {
			return result.SUCCESS
		}
		return result.CONTINUE
	}
	for {
		gcEP := s.registry.Resolve(s.gcEP)
		if gcEP == nil {
			return
		}
		self.Block(worker.ReasonSignal, pred, s.gcEP, 0, gcEP, gcEP)
		gcEP.GetSignals()
		s.drainZombies()
	}
}

// drainZombies reclaims every currently-zombie worker's stack: release its
// endpoint registration, null its endpoint handle, and return it to free.
// Release happens before the handle is nulled, so there is never a window
// where a zombie's handle is already null but its URI is still registered.
func (s *Supervisor) drainZombies() {
	_, _ = s.breaker.Execute(func() (struct{}, error) {
		for {
			w := s.zombies.Pop()
			if w == nil {
				return struct{}{}, nil
			}
			h := w.EndpointHandle()
			s.registry.Release(h)
			w.SetEndpointHandle(endpoint.Handle{})
			s.free.Push(w)
		}
	})
}
