// Command demo boots a single-process kernel instance and drives a small
// application across it: a producer worker, a notify/wait handshake, and a
// sleeping worker, all multiplexed through one Supervisor. Grounded on
// cmd/inos-node/main.go's sequential fmt.Println narrative and os.Exit(1)
// on failure.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/nmxmxh/mcukernel/kernel/config"
	"github.com/nmxmxh/mcukernel/kernel/message"
	"github.com/nmxmxh/mcukernel/kernel/postman"
	"github.com/nmxmxh/mcukernel/kernel/result"
	"github.com/nmxmxh/mcukernel/kernel/supervisor"
	"github.com/nmxmxh/mcukernel/kernel/utils"
)

func main() {
	fmt.Println("mcukernel demo starting...")

	cfg, err := config.LoadFromEnv("MCUKERNEL_CONFIG")
	if err != nil {
		fmt.Println("failed to load config:", err)
		os.Exit(1)
	}
	fmt.Printf("config: pool=%d timeslice=%dus multicore=%v\n",
		cfg.WorkerPoolSize, cfg.WorkerTimeSliceMicros, cfg.DispatcherMulticore)

	logger := utils.DefaultLogger("demo")
	sup := supervisor.New(cfg, logger)

	appDone := make(chan error, 1)
	go func() { appDone <- postman.Start(sup, "/app", app) }()

	select {
	case err := <-appDone:
		if err != nil {
			fmt.Println("kernel exited with error:", err)
			os.Exit(1)
		}
	case <-time.After(5 * time.Second):
		fmt.Println("demo window elapsed, shutting down")
		sup.Shutdown()
		<-appDone
	}

	fmt.Println("mcukernel demo finished")
}

// app is the root worker: it opens a producer and a listener, exercises
// sleep/notify/publish-fetch, then closes.
func app(p *postman.P, _ uint32) {
	fmt.Println("[app] started")

	producer, res := p.Open("/app/producer", producerLoop)
	if res != result.SUCCESS {
		fmt.Println("[app] failed to open producer:", res)
		p.Close()
	}
	_ = producer

	listener, res := p.Open("/app/listener", listenerLoop)
	if res != result.SUCCESS {
		fmt.Println("[app] failed to open listener:", res)
		p.Close()
	}
	_ = listener

	p.Sleep(50)
	fmt.Println("[app] woke from sleep, notifying listener")

	if ok := p.Notify("/app/listener", 1000); !ok {
		fmt.Println("[app] notify timed out")
	}

	p.Sleep(50)

	m := p.Fetch("/app/producer", 0, 1000)
	if m != nil {
		v, _ := m.Get("seq")
		n, _ := v.Int()
		fmt.Println("[app] fetched message with seq =", n)
		m.Release()
	} else {
		fmt.Println("[app] fetch timed out")
	}

	fmt.Println("[app] done")
	p.Close()
}

// producerLoop publishes an incrementing counter on its own endpoint every
// tick, forever, until the Supervisor shuts its Dispatcher down.
func producerLoop(p *postman.P, _ uint32) {
	var seq int64
	for {
		m := p.Compose()
		seq++
		m.Set("seq", message.IntValue(seq))
		p.Publish(m)
		p.Sleep(20)
	}
}

// listenerLoop waits for a single notification, reports it, then closes.
func listenerLoop(p *postman.P, _ uint32) {
	n := p.Wait(2000)
	fmt.Println("[listener] received", n, "signal(s)")
	p.Close()
}
