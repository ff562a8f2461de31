// Package bulkhead isolates partition groups onto fixed worker pools so a hot
// partition cannot starve the rest of the pipeline, with a separate pool for
// external calls.
package bulkhead

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

// Task is one unit of pool work.
type Task func()

// Pool is a fixed-size worker pool with a bounded queue. When the queue is
// full the submitting goroutine runs the task itself (caller-runs), which
// naturally slows the producer instead of dropping work.
type Pool struct {
	name  string
	queue chan Task
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewPool creates a pool of workers draining a queue of queueDepth.
func NewPool(name string, workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = workers
	}
	p := &Pool{
		name:  name,
		queue: make(chan Task, queueDepth),
		done:  make(chan struct{}),
	}
	p.startOnce.Do(func() {
		for i := 0; i < workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case task := <-p.queue:
			task()
		}
	}
}

// Submit enqueues the task, or runs it on the calling goroutine when the
// queue is full or the pool is stopping.
func (p *Pool) Submit(task Task) {
	select {
	case <-p.done:
		task()
	case p.queue <- task:
	default:
		slog.Debug("bulkhead queue full, caller runs", slog.String("pool", p.name))
		task()
	}
}

// Shutdown stops accepting work, drains the queue and waits for the workers,
// bounded by ctx.
func (p *Pool) Shutdown(ctx context.Context) {
	p.stopOnce.Do(func() {
		// Drain what is already queued before signalling the workers.
	drain:
		for {
			select {
			case task := <-p.queue:
				task()
			default:
				break drain
			}
		}
		close(p.done)
	})

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-ctx.Done():
		slog.Warn("bulkhead shutdown timed out", slog.String("pool", p.name))
	case <-finished:
	}
}

// lane is a single-goroutine FIFO. One worker per lane means two tasks for
// the same partition key can never run concurrently or out of order.
type lane struct {
	queue    chan Task
	finished chan struct{}
}

func newLane(queueDepth int) *lane {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &lane{
		queue:    make(chan Task, queueDepth),
		finished: make(chan struct{}),
	}
}

func (l *lane) run(stopped <-chan struct{}) {
	defer close(l.finished)
	for {
		select {
		case task := <-l.queue:
			task()
		case <-stopped:
			for {
				select {
				case task := <-l.queue:
					task()
				default:
					return
				}
			}
		}
	}
}

// Grouped fans tasks across a fixed set of serial lanes by partition-key
// hash. A key always lands on the same lane, and a full lane blocks the
// submitter rather than spilling the task onto another goroutine, which
// would break per-key ordering.
type Grouped struct {
	lanes    []*lane
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewGrouped creates groups x workers serial lanes of queueDepth each. The
// product keeps the configured parallelism; per-key serialization comes from
// every lane having exactly one worker.
func NewGrouped(groups, workers, queueDepth int) *Grouped {
	if groups <= 0 {
		groups = 1
	}
	if workers <= 0 {
		workers = 1
	}
	g := &Grouped{
		lanes:   make([]*lane, groups*workers),
		stopped: make(chan struct{}),
	}
	for i := range g.lanes {
		g.lanes[i] = newLane(queueDepth)
		go g.lanes[i].run(g.stopped)
	}
	return g
}

// Submit routes the task to the lane owning the partition key, blocking while
// that lane's queue is full. After shutdown the task runs inline.
func (g *Grouped) Submit(partitionKey string, task Task) {
	ln := g.lanes[g.bucket(partitionKey)]
	select {
	case <-g.stopped:
		task()
	case ln.queue <- task:
	}
}

func (g *Grouped) bucket(partitionKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partitionKey))
	return int(h.Sum32() % uint32(len(g.lanes)))
}

// Shutdown stops accepting work, drains every lane and waits for the
// workers, bounded by ctx.
func (g *Grouped) Shutdown(ctx context.Context) {
	g.stopOnce.Do(func() { close(g.stopped) })
	for _, ln := range g.lanes {
		select {
		case <-ctx.Done():
			slog.Warn("bulkhead shutdown timed out", slog.String("pool", "partition-group"))
			return
		case <-ln.finished:
		}
	}
}
