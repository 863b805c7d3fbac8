package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tvasilis/pipeliner/internal/schedule"
)

// Clock abstracts time so sweeps can be driven by virtual time in tests.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (rt realTimer) C() <-chan time.Time { return rt.t.C }
func (rt realTimer) Stop() bool          { return rt.t.Stop() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Job is one named, independently scheduled periodic sweep.
type Job struct {
	Name    string
	Period  *schedule.Period
	Backoff time.Duration // extra delay before the next run after a failed one
	Run     func(ctx context.Context) error
}

// Runner drives a table of named periodic jobs. Start and Stop are
// idempotent; Stop halts future iterations but lets in-flight runs finish.
type Runner struct {
	clock Clock
	jobs  []Job

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewRunner(clock Clock) *Runner {
	if clock == nil {
		clock = realClock{}
	}
	return &Runner{clock: clock}
}

// Add registers a job. Must be called before Start.
func (r *Runner) Add(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})

	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.runJob(ctx, job, r.stop)
		slog.Info("job started", "job", job.Name, "period", job.Period.String())
	}
}

func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
	slog.Info("jobs stopped")
}

func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) runJob(ctx context.Context, job Job, stop chan struct{}) {
	defer r.wg.Done()

	delay := r.delayUntilNext(job, 0)
	for {
		timer := r.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C():
			var backoff time.Duration
			if err := job.Run(ctx); err != nil {
				slog.Error("job run failed", "job", job.Name, "error", err)
				backoff = job.Backoff
			}
			delay = r.delayUntilNext(job, backoff)
		}
	}
}

func (r *Runner) delayUntilNext(job Job, backoff time.Duration) time.Duration {
	now := r.clock.Now()
	next, err := job.Period.Next(now)
	if err != nil {
		// Invalid cron periods are caught at config validation; fall back
		// to a slow retry rather than spinning.
		slog.Error("period computation failed", "job", job.Name, "error", err)
		return time.Minute + backoff
	}
	return next.Sub(now) + backoff
}
