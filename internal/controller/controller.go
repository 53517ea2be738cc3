// Package controller implements the fixed worker pool's fan-out/fan-in:
// round-robin dispatch of inbound HTTP events to worker queues, and a
// shared outbound queue for their responses. Once a session exists on a
// worker, all further traffic for it arrives via that worker's own UDP
// socket, never back through the controller.
package controller

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinysfu/core/internal/ioevent"
	"github.com/tinysfu/core/internal/worker"
)

type workerHandle struct {
	worker  *worker.Worker
	inbound chan ioevent.Event
}

// Controller owns a fixed set of workers, each with its own bounded inbound
// queue, and one shared bounded outbound queue every worker's responses
// land on.
type Controller struct {
	handles  []*workerHandle
	outbound chan ioevent.Action
	counter  atomic.Uint64
	log      *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds an empty controller with the given shared outbound queue
// capacity. Call AddWorker for each worker in the pool before Run.
func New(log *zap.Logger, outboundCapacity int) *Controller {
	return &Controller{
		outbound: make(chan ioevent.Action, outboundCapacity),
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Outbound is the shared queue workers' responses land on; callers pass
// this to worker.New so every worker writes to the same channel.
func (c *Controller) Outbound() chan ioevent.Action { return c.outbound }

// AddWorker registers a worker along with the inbound channel it was
// constructed with. Must be called before Run.
func (c *Controller) AddWorker(w *worker.Worker, inbound chan ioevent.Event) {
	c.handles = append(c.handles, &workerHandle{worker: w, inbound: inbound})
}

// Dispatch routes ev to workers[count % N] per a monotonic counter. It
// returns false (and logs) if that worker's inbound queue is full; the
// event is dropped rather than retried on another worker, since affinity
// for a new session still has to land somewhere deterministic before its
// first response.
func (c *Controller) Dispatch(ev ioevent.Event) bool {
	if len(c.handles) == 0 {
		return false
	}
	idx := c.counter.Add(1) - 1
	h := c.handles[int(idx%uint64(len(c.handles)))]

	select {
	case h.inbound <- ev:
		return true
	default:
		c.log.Warn("dropping inbound event: worker queue full", zap.Int("worker_index", int(idx%uint64(len(c.handles)))))
		return false
	}
}

// PopAction is a non-blocking read from the shared outbound queue.
func (c *Controller) PopAction() (ioevent.Action, bool) {
	select {
	case a := <-c.outbound:
		return a, true
	default:
		return ioevent.Action{}, false
	}
}

// Run starts one goroutine per worker, each looping RunCycle until
// Shutdown is called.
func (c *Controller) Run() {
	for _, h := range c.handles {
		h := h
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-c.stop:
					return
				default:
				}
				if err := h.worker.RunCycle(time.Now()); err != nil {
					c.log.Error("worker cycle failed", zap.Error(err))
				}
			}
		}()
	}
}

// Shutdown signals every worker goroutine to stop and waits for them to
// exit.
func (c *Controller) Shutdown() {
	close(c.stop)
	c.wg.Wait()
}
