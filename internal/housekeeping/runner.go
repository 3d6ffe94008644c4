// Package housekeeping runs the service's periodic background jobs, such
// as pruning idle rate-limit windows. Each job gets its own ticker and a
// panicking job is logged without stopping the others.
package housekeeping

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

type Runner struct {
	logger logrus.FieldLogger

	mu      sync.Mutex
	jobs    []Job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner(logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{logger: logger.WithField("component", "housekeeping")}
}

// Add registers a job. Jobs added after Start run from the next Start.
func (r *Runner) Add(job Job) error {
	if job.Name == "" || job.Interval <= 0 || job.Run == nil {
		return ErrInvalidJob
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

// Start launches every registered job. Jobs stop when ctx is done or Stop
// is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}
	r.running = true

	ctx, r.cancel = context.WithCancel(ctx)
	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, job)
	}

	r.logger.WithField("jobs", len(r.jobs)).Info("housekeeping started")
	return nil
}

// Stop cancels all jobs and waits for the ones in flight.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()

	r.logger.Info("housekeeping stopped")
	return nil
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.WithFields(logrus.Fields{"job": job.Name, "panic": p}).Error("job panicked")
		}
	}()
	job.Run(ctx)
}
