package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSchedulerRunning Start called on a running scheduler
var ErrSchedulerRunning = errors.New("scheduler already running")

// Scheduler runs a job once at start and then on every tick. With a lease,
// a tick runs only while this replica holds leadership.
type Scheduler struct {
	name     string
	job      func(ctx context.Context)
	interval time.Duration
	lease    *Lease
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(name string, job func(ctx context.Context), interval time.Duration, lease *Lease, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		name:     name,
		job:      job,
		interval: interval,
		lease:    lease,
		logger:   logger.With(zap.String("scheduler", name)),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("Starting scheduler", zap.Duration("interval", s.interval))
	go s.loop(ctx, s.done)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx)
		if err != nil {
			s.logger.Error("Failed to acquire scheduler lease", zap.Error(err))
			return
		}
		if !ok {
			s.logger.Debug("Another replica holds the scheduler lease")
			return
		}
	}
	s.job(ctx)
}

// Stop waits for a running job to finish and gives up the lease
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	if s.lease != nil {
		if err := s.lease.Release(ctx); err != nil {
			s.logger.Warn("Failed to release scheduler lease", zap.Error(err))
		}
	}
	s.logger.Info("Scheduler stopped")
}
