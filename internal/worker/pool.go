package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/logger"
)

// =============================================================================
// WORKER POOL — Bounded Concurrent Order Executors
// =============================================================================
// Fixed-size pool; the size is a hard upper bound on concurrent repository
// sessions and concurrent container runs. The single poller is the only
// submitter, so a free slot observed by the poller stays free until it
// submits.

// Processor runs one order to its terminal event. Implemented by
// *Pipeline; narrowed to an interface for tests.
type Processor interface {
	Process(ctx context.Context, order *domain.Order) bool
}

// Pool runs up to size orders concurrently.
type Pool struct {
	// id distinguishes this instance's log lines when several service
	// instances drain the same queue.
	id        string
	size      int
	processor Processor

	jobs chan *domain.Order
	wg   sync.WaitGroup

	busy      int64
	completed int64
	failed    int64

	mu      sync.Mutex
	running bool
}

// NewPool creates a pool of the given size.
func NewPool(size int, processor Processor) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		id:        fmt.Sprintf("pool-%s", uuid.New().String()[:8]),
		size:      size,
		processor: processor,
		jobs:      make(chan *domain.Order, size),
	}
}

// Start launches the executors. ctx cancellation stops them after the
// order in hand finishes; workers are never interrupted mid-subprocess.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	logger.Info("worker pool starting", "pool", p.id, "workers", p.size)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case order, ok := <-p.jobs:
			if !ok {
				return
			}
			atomic.AddInt64(&p.busy, 1)
			logger.Debug("worker picked up order", "worker", n, "uuid", order.UUID)
			// Shutdown must not interrupt an order mid-subprocess; the
			// order in hand runs to its terminal event.
			if p.processor.Process(context.WithoutCancel(ctx), order) {
				atomic.AddInt64(&p.completed, 1)
			} else {
				atomic.AddInt64(&p.failed, 1)
			}
			atomic.AddInt64(&p.busy, -1)
		}
	}
}

// Free returns how many executors could accept work right now.
func (p *Pool) Free() int {
	return p.size - int(atomic.LoadInt64(&p.busy)) - len(p.jobs)
}

// Submit hands a claimed order to the pool. The caller is expected to
// have observed a free slot; the buffered channel keeps this non-blocking
// in that protocol.
func (p *Pool) Submit(order *domain.Order) {
	p.jobs <- order
}

// Drain waits for in-flight workers up to the grace deadline. It returns
// true if all workers finished; abandoned workers surface as dangling
// orders on next startup.
func (p *Pool) Drain(grace time.Duration) bool {
	close(p.jobs)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		logger.Warn("shutdown grace expired, abandoning workers",
			"busy", atomic.LoadInt64(&p.busy))
		return false
	}
}

// Stats returns the processing counters.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"busy":      atomic.LoadInt64(&p.busy),
		"completed": atomic.LoadInt64(&p.completed),
		"failed":    atomic.LoadInt64(&p.failed),
	}
}
