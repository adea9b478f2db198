package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/channel"
	"github.com/surveikedaikopi/sms-ocr-server/internal/reconcile"
)

var (
	// ErrQueueFull the pool cannot take more work right now
	ErrQueueFull = errors.New("consumer: queue full")
	// ErrStopped the pool no longer accepts work
	ErrStopped = errors.New("consumer: stopped")
)

// Handler processes one inbound message
type Handler interface {
	Handle(ctx context.Context, in channel.Inbound) *reconcile.Outcome
}

// Dispatcher hands an inbound message to the workers
type Dispatcher interface {
	Dispatch(ctx context.Context, in channel.Inbound) error
}

// Pool bounded in-process worker pool ("direct" ingest mode)
type Pool struct {
	handler Handler
	queue   chan channel.Inbound
	workers int
	logger  *zap.Logger
	metrics *Metrics

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewPool(handler Handler, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	return &Pool{
		handler: handler,
		queue:   make(chan channel.Inbound, queueSize),
		workers: workers,
		logger:  logger,
		metrics: newMetrics(),
	}
}

// Start launches the workers. They keep draining the queue after ctx ends
// until Stop closes it.
func (p *Pool) Start(ctx context.Context) {
	// handlers get a context that outlives the request that enqueued them
	work := context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for in := range p.queue {
				start := time.Now()
				out := p.handler.Handle(work, in)
				p.metrics.record(out, time.Since(start))
			}
		}()
	}
	p.logger.Info("Ingest pool started", zap.Int("workers", p.workers), zap.Int("queue", cap(p.queue)))
}

// Dispatch enqueues without blocking
func (p *Pool) Dispatch(ctx context.Context, in channel.Inbound) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- in:
		return nil
	default:
		p.metrics.drop()
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for queued messages to finish
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Ingest pool stopped")
}

func (p *Pool) Metrics() Metrics { return p.metrics.Snapshot() }
