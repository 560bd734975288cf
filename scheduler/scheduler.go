// Package scheduler implements the poller fleet described in spec.md
// §4.E: a cooperative single-threaded loop per process that discovers due
// jobs, claims each exactly once across the fleet via a coordination-store
// lock (falling back to a persistence row lock), advances the job's cron
// schedule, and enqueues an execution for the worker pool.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"oss.nandlabs.io/hookforge/broker"
	"oss.nandlabs.io/hookforge/coordination"
	"oss.nandlabs.io/hookforge/cronspec"
	"oss.nandlabs.io/hookforge/l3"
	"oss.nandlabs.io/hookforge/metrics"
	"oss.nandlabs.io/hookforge/model"
	"oss.nandlabs.io/hookforge/persistence"
)

var logger = l3.Get()

// Status labels used on the poller counters.
const (
	statusSkipped = "skipped"
	statusFailed  = "failed"
	statusSuccess = "success"
)

// AdaptivePolicy controls the poller's tick-interval back-off, per
// spec.md §4.E: the interval doubles on each empty tick up to a cap of
// 2^n for n <= maxEmptyDoublings, and snaps back to MinInterval as soon
// as a non-empty tick occurs.
type AdaptivePolicy struct {
	MinInterval       time.Duration
	MaxInterval       time.Duration
	maxEmptyDoublings int
}

// DefaultAdaptivePolicy matches spec.md §4.E's example bounds.
func DefaultAdaptivePolicy() AdaptivePolicy {
	return AdaptivePolicy{MinInterval: time.Second, MaxInterval: 5 * time.Second, maxEmptyDoublings: 2}
}

func (p AdaptivePolicy) next(current time.Duration, emptyTick bool) time.Duration {
	if !emptyTick {
		return p.MinInterval
	}
	doubled := current * 2
	ceiling := p.MinInterval * time.Duration(1<<uint(p.maxEmptyDoublings))
	if doubled > ceiling || doubled > p.MaxInterval {
		if p.MaxInterval < ceiling {
			return p.MaxInterval
		}
		return ceiling
	}
	return doubled
}

// Config configures a Poller.
type Config struct {
	BatchSize int
	Policy    AdaptivePolicy
}

// DefaultConfig returns sane poller defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 100, Policy: DefaultAdaptivePolicy()}
}

// Poller runs the single-threaded cooperative claim loop for one process.
type Poller struct {
	gateway persistence.Gateway
	store   coordination.Store
	brk     broker.Broker
	metrics *metrics.Registry
	cfg     Config
}

// New constructs a Poller.
func New(gateway persistence.Gateway, store coordination.Store, brk broker.Broker, reg *metrics.Registry, cfg Config) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Policy.MinInterval <= 0 {
		cfg.Policy = DefaultAdaptivePolicy()
	}
	return &Poller{gateway: gateway, store: store, brk: brk, metrics: reg, cfg: cfg}
}

// Run executes the poll loop until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.cfg.Policy.MinInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		enqueued, err := p.tick(ctx)
		if err != nil {
			logger.WarnF("scheduler: tick error: %v", err)
		}
		interval = p.cfg.Policy.next(interval, enqueued == 0)
		timer.Reset(interval)
	}
}

// tick runs a single poll: discover due jobs, claim each, and return the
// count successfully enqueued.
func (p *Poller) tick(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.PollDuration.Observe(time.Since(start).Seconds())
		}
	}()

	now := time.Now()
	due, err := p.gateway.FindDueJobs(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("scheduler: FindDueJobs: %w", err)
	}

	enqueued := 0
	for _, job := range due {
		status, err := p.claimAndEnqueue(ctx, job, now)
		p.recordPolled(status)
		if err != nil {
			logger.WarnF("scheduler: claimAndEnqueue job=%s: %v", job.ID, err)
		}
		if status == statusSuccess {
			enqueued++
		}
	}
	return enqueued, nil
}

func (p *Poller) recordPolled(status string) {
	if p.metrics == nil {
		return
	}
	p.metrics.JobsPolledTotal.WithLabelValues(status).Inc()
}

func (p *Poller) recordEnqueued(status string) {
	if p.metrics == nil {
		return
	}
	p.metrics.JobsEnqueuedTotal.WithLabelValues(status).Inc()
}

// claimAndEnqueue is the critical section from spec.md §4.E:
// lock -> reload -> insert execution -> advance -> enqueue -> release.
func (p *Poller) claimAndEnqueue(ctx context.Context, job *model.Job, now time.Time) (string, error) {
	lockKey := "scheduler:lock:" + job.ID

	acquired, lockErr := coordination.AcquireLock(ctx, p.store, lockKey, coordination.DefaultLockTTL)
	if lockErr != nil {
		// Coordination store unavailable: fall back to the persistence
		// row lock.
		release, ok, err := p.gateway.TryRowLock(ctx, job.ID)
		if err != nil || !ok {
			if p.metrics != nil {
				p.metrics.LockFailuresTotal.Inc()
			}
			return statusSkipped, err
		}
		defer release()
	} else if !acquired {
		if p.metrics != nil {
			p.metrics.LockFailuresTotal.Inc()
		}
		return statusSkipped, nil
	} else {
		defer func() {
			if err := coordination.ReleaseLock(ctx, p.store, lockKey); err != nil {
				logger.WarnF("scheduler: failed to release lock %s: %v", lockKey, err)
			}
		}()
	}

	reloaded, err := p.gateway.GetJob(ctx, job.ID)
	if err != nil {
		return statusFailed, err
	}
	if !reloaded.Enabled || (reloaded.NextFireAt != nil && reloaded.NextFireAt.After(now)) {
		// Another poller already advanced this job past the lock
		// fallback race window.
		return statusSkipped, nil
	}

	exec := &model.JobExecution{JobID: job.ID, Status: model.ExecutionQueued, Attempt: 1}
	if err := p.gateway.InsertExecution(ctx, exec); err != nil {
		return statusFailed, fmt.Errorf("insert execution: %w", err)
	}

	next, err := cronspec.NextFireAfter(reloaded.Cron, reloaded.Timezone, now)
	if err != nil {
		return statusFailed, fmt.Errorf("compute next fire: %w", err)
	}

	// The job's schedule is advanced before the broker enqueue: a crash
	// here drops a fire rather than risking a duplicate.
	if err := p.gateway.AdvanceJob(ctx, job.ID, now, next); err != nil {
		return statusFailed, fmt.Errorf("advance job: %w", err)
	}

	if err := p.brk.Enqueue(ctx, broker.Task{Name: broker.TaskExecuteJob, Args: []string{exec.ID}}, time.Time{}); err != nil {
		p.recordEnqueued(statusFailed)
		return statusFailed, fmt.Errorf("enqueue: %w", err)
	}
	p.recordEnqueued(statusSuccess)
	return statusSuccess, nil
}
