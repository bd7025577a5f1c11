// Package scheduler runs registered background jobs on their own tickers
// and coordinates graceful shutdown via a broadcast channel.
//
// Each job runs on its own goroutine. The first tick is the ticker's
// first interval, never startup time. A panicking job is caught and
// logged without disturbing sibling jobs. The scheduler is not
// leader-elected: operators running multiple instances get parallel job
// executions, so every job must be idempotent.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pathmark/backend/internal/metrics"
)

// Job is a unit of periodic background work.
type Job interface {
	// Name identifies the job in logs and metrics.
	Name() string
	// Frequency is the tick interval.
	Frequency() Frequency
	// Execute performs one run. The context is the scheduler's lifetime
	// context; long loops should check it between batches.
	Execute(ctx context.Context) error
}

// Frequency is the tick interval of a job.
type Frequency struct {
	d time.Duration
}

// Seconds ticks every n seconds.
func Seconds(n int) Frequency { return Frequency{time.Duration(n) * time.Second} }

// Minutes ticks every n minutes.
func Minutes(n int) Frequency { return Frequency{time.Duration(n) * time.Minute} }

// Hourly ticks every 3600 seconds.
func Hourly() Frequency { return Frequency{time.Hour} }

// Daily ticks every 86400 seconds from scheduler start. It does not align
// to midnight.
func Daily() Frequency { return Frequency{24 * time.Hour} }

// Duration returns the tick interval.
func (f Frequency) Duration() time.Duration { return f.d }

func (f Frequency) String() string { return f.d.String() }

// Scheduler owns job goroutines and the shutdown broadcast.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []Job
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *log.Logger
	mets   *metrics.Metrics
}

// New creates an idle scheduler. mets may be nil in tests.
func New(mets *metrics.Metrics) *Scheduler {
	return &Scheduler{
		stopCh: make(chan struct{}),
		logger: log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		mets:   mets,
	}
}

// Register adds a job. Registration after Start is rejected.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cannot register job %q after scheduler start", job.Name())
	}
	if job.Frequency().Duration() <= 0 {
		return fmt.Errorf("job %q has non-positive frequency", job.Name())
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start spawns one goroutine per registered job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runJob(job)
	}
	s.logger.Printf("Started %d background jobs", len(s.jobs))
}

func (s *Scheduler) runJob(job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Frequency().Duration())
	defer ticker.Stop()

	s.logger.Printf("Job %q scheduled every %s", job.Name(), job.Frequency())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			s.execute(ctx, job)
		case <-s.stopCh:
			s.logger.Printf("Job %q stopped", job.Name())
			return
		}
	}
}

// execute runs one job tick, recovering panics so a broken job cannot
// take down its siblings.
func (s *Scheduler) execute(ctx context.Context, job Job) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("Job %q panicked after %s: %v", job.Name(), time.Since(start), r)
			if s.mets != nil {
				s.mets.JobRuns.WithLabelValues(job.Name(), "panic").Inc()
			}
		}
	}()

	err := job.Execute(ctx)
	elapsed := time.Since(start)

	if s.mets != nil {
		s.mets.JobDuration.WithLabelValues(job.Name()).Observe(elapsed.Seconds())
	}

	if err != nil {
		s.logger.Printf("Job %q failed after %s: %v", job.Name(), elapsed, err)
		if s.mets != nil {
			s.mets.JobRuns.WithLabelValues(job.Name(), "error").Inc()
		}
		return
	}

	s.logger.Printf("Job %q completed in %s", job.Name(), elapsed)
	if s.mets != nil {
		s.mets.JobRuns.WithLabelValues(job.Name(), "ok").Inc()
	}
}

// Shutdown broadcasts the stop signal. Non-blocking; safe to call more
// than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
	}
}

// WaitForShutdown blocks until all job goroutines exit or timeout elapses.
// On timeout the remaining jobs are abandoned and an error is returned.
func (s *Scheduler) WaitForShutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		s.logger.Printf("⚠️  Shutdown timed out after %s; abandoning remaining jobs", timeout)
		return fmt.Errorf("scheduler shutdown timed out after %s", timeout)
	}
}
