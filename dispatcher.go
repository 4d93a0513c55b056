package postbox

import (
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the dispatcher pool size used when none is set.
const DefaultWorkers = 4

// ErrDispatcherStopped is returned by [Dispatcher.Submit] after
// shutdown has begun.
var ErrDispatcherStopped = errors.New("postbox: dispatcher stopped")

// Dispatcher decouples accepting connections from serving them: a
// fixed pool of workers takes connections off a shared FIFO queue and
// serves each one to completion, so a slow client occupies one worker
// instead of stalling the accept loop.
//
// The queue and the stopping flag are observed under one lock
// together with the condition variable, so a worker can never miss
// work or a wakeup between checking and waiting.
type Dispatcher struct {
	serve func(Conn)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Conn
	stopped bool

	group errgroup.Group
}

// NewDispatcher starts workers goroutines serving submitted
// connections with serve. The worker closes each connection after
// serve returns.
func NewDispatcher(workers int, serve func(Conn)) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	d := &Dispatcher{serve: serve}
	d.cond = sync.NewCond(&d.mu)
	for i := 0; i < workers; i++ {
		d.group.Go(d.work)
	}
	return d
}

// Submit enqueues a ready-to-serve connection. Connections are
// dispatched in submission order.
func (d *Dispatcher) Submit(c Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	d.queue = append(d.queue, c)
	d.cond.Signal()
	return nil
}

func (d *Dispatcher) work() error {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return nil
		}
		c := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		// Session failures stay inside serve; they never reach
		// the pool.
		d.serve(c)
		c.Close()
	}
}

// Stop refuses further submissions and wakes all idle workers.
// Connections already queued are still served.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

// Wait blocks until all workers have exited. Callers stop the
// dispatcher first.
func (d *Dispatcher) Wait() error {
	return d.group.Wait()
}

// Shutdown stops the dispatcher and waits for the workers to drain
// the queue and finish their sessions.
func (d *Dispatcher) Shutdown() error {
	d.Stop()
	return d.Wait()
}
