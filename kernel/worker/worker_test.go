package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/mcukernel/kernel/endpoint"
	"github.com/nmxmxh/mcukernel/kernel/hal/sim"
	"github.com/nmxmxh/mcukernel/kernel/result"
)

// fakeClock gives tests full control over "now" instead of racing real
// wall-clock timeouts.
type fakeClock struct{ now uint64 }

func (c *fakeClock) NowMicros() uint64 { return c.now }

func newTestWorker(t *testing.T, handler Handler) (*Worker, *fakeClock) {
	t.Helper()
	clk := &fakeClock{}
	w := New(0, sim.New(), clk, 64)
	w.Assign(endpoint.Handle{}, handler, 0)
	return w, clk
}

func TestWorker_BindReleaseSinglePermit(t *testing.T) {
	w, _ := newTestWorker(t, func(uint32) {})

	assert.True(t, w.Bind(0, false))
	assert.False(t, w.Bind(1, false), "a second core must not acquire a held permit")
	w.Release(1) // wrong core: no-op
	assert.Equal(t, int32(0), w.BoundCore())

	w.Release(0)
	assert.Equal(t, Unbound, w.BoundCore())
	assert.True(t, w.Bind(1, false), "the permit must be free again after Release")
}

func TestWorker_RunNoopWhenNotBound(t *testing.T) {
	ran := false
	w, _ := newTestWorker(t, func(uint32) { ran = true })

	w.Run(0) // never bound
	// Give the (never-started) fiber no chance to run; Run must return
	// immediately without invoking Switch.
	time.Sleep(5 * time.Millisecond)
	assert.False(t, ran)
}

func TestWorker_RunToCompletionMarksZombie(t *testing.T) {
	w, _ := newTestWorker(t, func(uint32) {})
	require.True(t, w.Bind(0, false))

	w.Run(0)

	assert.True(t, w.IsZombie())
	w.Release(0)
}

func TestWorker_YieldReturnsControlToDispatcher(t *testing.T) {
	var w *Worker
	w, _ = newTestWorker(t, func(uint32) {
		w.Yield()
	})
	require.True(t, w.Bind(0, false))

	w.Run(0)
	assert.False(t, w.IsZombie(), "the fiber yielded on its own, not via completion")

	w.Run(0) // resume past the Yield; the handler now returns
	assert.True(t, w.IsZombie())
	w.Release(0)
}

func TestWorker_SleepTracksFakeClock(t *testing.T) {
	w, clk := newTestWorker(t, func(uint32) {})
	require.True(t, w.Bind(0, false))

	go func() {
		w.Sleep(10, false) // 10ms -> 10000us
	}()
	time.Sleep(5 * time.Millisecond) // let Sleep's Yield land

	assert.True(t, w.IsSleeping())
	clk.now = 9999
	assert.True(t, w.IsSleeping())
	clk.now = 10000
	assert.False(t, w.IsSleeping(), "IsSleeping must clear once the deadline has passed")
}

func TestWorker_BlockResolvesImmediatelyWithoutYielding(t *testing.T) {
	w, _ := newTestWorker(t, func(uint32) {})
	pred := func(self, target *endpoint.Endpoint) result.Result { return result.SUCCESS }

	res := w.Block(ReasonSignal, pred, endpoint.Handle{}, 0, nil, nil)
	assert.Equal(t, result.SUCCESS, res)
	assert.False(t, w.State()&BLOCKED != 0)
}

func TestWorker_IsBlockingForcesTimeoutPastDeadline(t *testing.T) {
	w, clk := newTestWorker(t, func(uint32) {})
	require.True(t, w.Bind(0, false))

	always := func(self, target *endpoint.Endpoint) result.Result { return result.CONTINUE }
	go func() {
		w.Block(ReasonCustom, always, endpoint.Handle{}, 5, nil, nil)
	}()
	time.Sleep(5 * time.Millisecond)

	assert.True(t, w.IsBlocking(nil, nil), "still within the timeout window")

	clk.now = 5001
	assert.False(t, w.IsBlocking(nil, nil), "IsBlocking must resolve once the timeout has elapsed")
}

func TestWorker_SuspendResume(t *testing.T) {
	w, _ := newTestWorker(t, func(uint32) {})
	require.True(t, w.Bind(0, false))

	go w.Suspend()
	time.Sleep(5 * time.Millisecond)
	assert.True(t, w.IsSuspended())

	w.Release(0)
	w.Resume(1)
	assert.False(t, w.IsSuspended())
}
