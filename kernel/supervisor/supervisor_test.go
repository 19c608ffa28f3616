package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/mcukernel/kernel/config"
	"github.com/nmxmxh/mcukernel/kernel/endpoint"
	"github.com/nmxmxh/mcukernel/kernel/result"
	"github.com/nmxmxh/mcukernel/kernel/utils"
	"github.com/nmxmxh/mcukernel/kernel/worker"
)

func testLogger() *utils.Logger {
	return utils.NewLogger(utils.LoggerConfig{Level: utils.ERROR})
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.WorkerPoolSize = 8
	cfg.MessageBankSize = 4
	cfg.WorkerStackWords = 64
	cfg.WorkerTimeSliceMicros = 200
	cfg.DispatcherMaxIdleMicros = 200
	cfg.DispatcherMulticore = false
	return cfg
}

func TestBoot_AllocatesPoolAndGCWorker(t *testing.T) {
	sup := New(testConfig(), testLogger())
	require.NoError(t, sup.Boot())

	assert.Equal(t, 8, len(sup.workers))
	assert.False(t, sup.gcEP.IsEmpty())
	assert.NotNil(t, sup.registry.Resolve(sup.gcEP))
}

func TestExec_FailsWhenEndpointStale(t *testing.T) {
	sup := New(testConfig(), testLogger())
	require.NoError(t, sup.Boot())

	ep, ok := sup.registry.Create("/x", endpoint.Handle{})
	require.True(t, ok)
	sup.registry.Release(ep)

	_, res := sup.Exec(ep, func(uint32) {}, 0)
	assert.Equal(t, result.ENDPOINT_NOT_AVAILABLE, res)
}

func TestExec_FailsWhenPoolExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerPoolSize = 1
	sup := New(cfg, testLogger())
	require.NoError(t, sup.Boot()) // the GC worker consumes the only slot

	ep, ok := sup.registry.Create("/x", endpoint.Handle{})
	require.True(t, ok)

	_, res := sup.Exec(ep, func(uint32) {}, 0)
	assert.Equal(t, result.WORKER_NOT_AVAILABLE, res)
}

func TestHalt_MovesWorkerFromReadyToZombies(t *testing.T) {
	sup := New(testConfig(), testLogger())
	require.NoError(t, sup.Boot())

	ep, ok := sup.registry.Create("/x", endpoint.Handle{})
	require.True(t, ok)
	w, res := sup.Exec(ep, func(uint32) {}, 0)
	require.Equal(t, result.SUCCESS, res)

	readyBefore := sup.ready.Length() // includes the GC worker
	sup.Halt(w)
	assert.Equal(t, readyBefore-1, sup.ready.Length(), "Halt must remove w from ready")

	found := false
	for {
		z := sup.zombies.Pop()
		if z == nil {
			break
		}
		if z == w {
			found = true
		}
	}
	assert.True(t, found, "Halt must push w onto zombies")
}

func TestGCLoop_DrainsZombieBackToFree(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerPoolSize = 3
	sup := New(cfg, testLogger())
	require.NoError(t, sup.Boot())

	freeBefore := sup.free.Length()

	ep, ok := sup.registry.Create("/x", endpoint.Handle{})
	require.True(t, ok)
	w, res := sup.Exec(ep, func(uint32) {}, 0)
	require.Equal(t, result.SUCCESS, res)
	assert.Equal(t, freeBefore-1, sup.free.Length())

	sup.Halt(w)
	sup.drainZombies()

	assert.Equal(t, freeBefore, sup.free.Length(), "a drained zombie must return to free")
	assert.True(t, w.EndpointHandle().IsEmpty(), "a drained zombie's endpoint handle must be nulled")
	assert.Nil(t, sup.registry.Resolve(ep), "the drained worker's endpoint must be released from the registry")
}

// TestMulticoreBinding is scenario S6: with DispatcherMulticore enabled,
// every worker runs to completion and only ever observes itself bound to
// one of the two configured cores.
func TestMulticoreBinding(t *testing.T) {
	cfg := testConfig()
	cfg.DispatcherMulticore = true
	cfg.WorkerPoolSize = 10
	sup := New(cfg, testLogger())
	require.NoError(t, sup.Boot())

	var mu sync.Mutex
	coresSeen := map[int32]int{}
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		ep, ok := sup.registry.Create("/worker/"+string(rune('a'+i)), endpoint.Handle{})
		require.True(t, ok)
		wg.Add(1)

		var self *worker.Worker
		w, res := sup.Exec(ep, func(uint32) {
			core := self.BoundCore()
			mu.Lock()
			coresSeen[core]++
			mu.Unlock()
			self.Yield()
			wg.Done()
		}, 0)
		require.Equal(t, result.SUCCESS, res)
		self = w
	}

	go sup.Launch()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("not every worker made progress under multicore dispatch")
	}
	sup.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	for core := range coresSeen {
		assert.True(t, core == 0 || core == 1, "a worker must only ever observe itself bound to a configured core")
	}
}
