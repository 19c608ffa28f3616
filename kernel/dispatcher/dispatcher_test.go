package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/mcukernel/kernel/endpoint"
	"github.com/nmxmxh/mcukernel/kernel/hal/sim"
	"github.com/nmxmxh/mcukernel/kernel/queue"
	"github.com/nmxmxh/mcukernel/kernel/utils"
	"github.com/nmxmxh/mcukernel/kernel/worker"
)

type fakeClock struct{ now uint64 }

func (c *fakeClock) NowMicros() uint64 { return c.now }

// fakeHost is a minimal dispatcher.Host backed by one shared ready queue and
// a real endpoint.Registry, with zombie halts recorded instead of
// reprocessed (package supervisor owns the real Halt logic; this test only
// needs to observe that the Dispatcher calls it).
type fakeHost struct {
	ready    *queue.Queue[worker.Worker]
	registry *endpoint.Registry
	halted   []*worker.Worker
}

func newFakeHost() *fakeHost {
	return &fakeHost{ready: queue.New[worker.Worker](), registry: endpoint.NewRegistry(4)}
}

func (h *fakeHost) Ready() *queue.Queue[worker.Worker] { return h.ready }
func (h *fakeHost) Resolve(e endpoint.Handle) *endpoint.Endpoint { return h.registry.Resolve(e) }
func (h *fakeHost) OnZombie(w *worker.Worker) { h.halted = append(h.halted, w) }

func testLogger() *utils.Logger {
	return utils.NewLogger(utils.LoggerConfig{Level: utils.ERROR})
}

func TestDispatcher_RunsReadyWorkerToYield(t *testing.T) {
	host := newFakeHost()
	ep, _ := host.registry.Create("/w", endpoint.Handle{})
	clk := &fakeClock{}
	d := New(0, host, clk, Config{MaxIdleMicros: 0}, testLogger())
	d.SetSleepFunc(func(time.Duration) {})

	w := worker.New(0, sim.New(), clk, 64)
	var self *worker.Worker
	w.Assign(ep, func(uint32) { self.Yield() }, 0)
	self = w
	host.ready.Push(w)

	d.runCycle()
	assert.False(t, w.IsZombie())
	assert.Empty(t, host.halted)
}

func TestDispatcher_ZombieAfterDispatchCallsOnZombie(t *testing.T) {
	host := newFakeHost()
	ep, _ := host.registry.Create("/w", endpoint.Handle{})
	clk := &fakeClock{}
	d := New(0, host, clk, Config{MaxIdleMicros: 0}, testLogger())
	d.SetSleepFunc(func(time.Duration) {})

	w := worker.New(0, sim.New(), clk, 64)
	w.Assign(ep, func(uint32) {}, 0) // returns immediately -> ZOMBIE
	host.ready.Push(w)

	d.runCycle()
	require.Len(t, host.halted, 1)
	assert.Same(t, w, host.halted[0])
}

func TestDispatcher_SkipsSleepingWorker(t *testing.T) {
	host := newFakeHost()
	ep, _ := host.registry.Create("/w", endpoint.Handle{})
	clk := &fakeClock{now: 0}
	d := New(0, host, clk, Config{MaxIdleMicros: 1000}, testLogger())
	var slept time.Duration
	d.SetSleepFunc(func(dur time.Duration) { slept = dur })

	w := worker.New(0, sim.New(), clk, 64)
	w.Assign(ep, func(uint32) {}, 0)
	w.Sleep(5, false) // parks it directly, bypassing the fiber (yielder is nil pre-dispatch)
	host.ready.Push(w)

	d.runCycle()
	assert.False(t, w.IsZombie(), "a sleeping worker must not be dispatched this cycle")
	assert.Greater(t, slept, time.Duration(0), "the cycle must idle for the remaining sleep window")
}

// TestDispatcher_BindSkipsWorkerHeldByAnotherCore exercises invariant 5
// a worker bound to one core is never run by another.
func TestDispatcher_BindSkipsWorkerHeldByAnotherCore(t *testing.T) {
	host := newFakeHost()
	ep, _ := host.registry.Create("/w", endpoint.Handle{})
	clk := &fakeClock{}
	d := New(0, host, clk, Config{MaxIdleMicros: 0}, testLogger())
	d.SetSleepFunc(func(time.Duration) {})

	w := worker.New(0, sim.New(), clk, 64)
	w.Assign(ep, func(uint32) {}, 0)
	require.True(t, w.Bind(1, false)) // another core already owns it
	host.ready.Push(w)

	d.runCycle()
	assert.False(t, w.IsZombie(), "a worker bound elsewhere must be skipped, not dispatched")
	w.Release(1)
}
