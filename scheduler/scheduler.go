// Package scheduler runs recurring background tasks.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const DefaultConcurrency = 2

type Task func(ctx context.Context)

type Option func(*Scheduler)

// WithConcurrency bounds how many invocations of one task may overlap.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Scheduler invokes registered tasks on fixed intervals until stopped.
type Scheduler struct {
	logger      *log.Logger
	concurrency int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func New(logger *log.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:      logger,
		concurrency: DefaultConcurrency,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run invokes task every interval. A tick that finds the task already
// running at the concurrency limit is skipped. Tasks report their own
// failures; a panic in one invocation is logged and does not stop the loop.
func (s *Scheduler) Run(name string, interval time.Duration, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	sem := semaphore.NewWeighted(int64(s.concurrency))
	ticker := time.NewTicker(interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
			}
			if !sem.TryAcquire(1) {
				s.logger.Printf("scheduler: %s: skipped tick, %d invocations still running", name, s.concurrency)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer sem.Release(1)
				s.invoke(name, task)
			}()
		}
	}()
}

func (s *Scheduler) invoke(name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("scheduler: %s: task panicked: %v", name, r)
		}
	}()
	task(s.ctx)
}

// Stop cancels every registered task and waits for running invocations to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
