// Package worker implements the execution worker described in
// spec.md §4.F: it consumes execute-job tasks from the broker, enforces
// the rate limit, performs the outbound webhook call, and applies the
// configured retry policy on failure.
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"oss.nandlabs.io/hookforge/broker"
	"oss.nandlabs.io/hookforge/clients"
	"oss.nandlabs.io/hookforge/httpclient"
	"oss.nandlabs.io/hookforge/l3"
	"oss.nandlabs.io/hookforge/metrics"
	"oss.nandlabs.io/hookforge/model"
	"oss.nandlabs.io/hookforge/persistence"
	"oss.nandlabs.io/hookforge/ratelimit"
)

var logger = l3.Get()

// BackoffType selects how RetryPolicy.Backoff grows between attempts. It
// maps directly onto clients.BackoffMode, the teacher's own retry-wait
// calculator.
type BackoffType = clients.BackoffMode

const (
	BackoffExponential = clients.BackoffExponential
	BackoffLinear      = clients.BackoffLinear
	BackoffFixed       = clients.BackoffFixed
)

// RetryPolicy is the pluggable retry policy from spec.md §4.F. It is a
// process-wide default, not configurable per job (see SPEC_FULL.md §9,
// Open Questions).
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Type        BackoffType
}

// DefaultRetryPolicy matches spec.md §4.F's default: 3 attempts, 60s
// exponential base.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 60 * time.Second, Type: BackoffExponential}
}

// Backoff computes the wait before the given attempt number (1-based),
// via clients.RetryInfo.WaitTime (0-based retry count = attempt - 1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	info := &clients.RetryInfo{
		Wait: int(p.Base.Milliseconds()),
		Mode: p.Type,
	}
	return info.WaitTime(attempt - 1)
}

const (
	hardTimeout = 300 * time.Second
	softTimeout = 270 * time.Second

	templateTimestampLayout = time.RFC3339
)

// Worker processes execute-job tasks.
type Worker struct {
	gateway persistence.Gateway
	limiter *ratelimit.Limiter
	http    *httpclient.Client
	brk     broker.Broker
	metrics *metrics.Registry
	policy  RetryPolicy
	id      string
}

// Config configures a Worker.
type Config struct {
	WorkerID string
	Policy   RetryPolicy
}

// New constructs a Worker.
func New(gateway persistence.Gateway, limiter *ratelimit.Limiter, httpClient *httpclient.Client, brk broker.Broker, reg *metrics.Registry, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	return &Worker{gateway: gateway, limiter: limiter, http: httpClient, brk: brk, metrics: reg, policy: cfg.Policy, id: cfg.WorkerID}
}

// Run registers the worker as a consumer of execute-job tasks until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.brk.Consume(ctx, broker.TaskExecuteJob, w.handle)
}

func (w *Worker) handle(ctx context.Context, task broker.Task) error {
	if len(task.Args) != 1 {
		return fmt.Errorf("worker: malformed task args %v", task.Args)
	}
	executionID := task.Args[0]

	exec, err := w.gateway.GetExecution(ctx, executionID)
	if err != nil {
		logger.WarnF("worker: execution %s not found, dropping: %v", executionID, err)
		return nil
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	job, err := w.gateway.GetJob(ctx, exec.JobID)
	if err != nil {
		return w.failTerminally(ctx, exec, "job not found")
	}
	if !job.Enabled {
		return w.failTerminally(ctx, exec, "job disabled")
	}

	webhook, err := w.gateway.GetWebhookForJob(ctx, job.ID)
	if err != nil {
		return w.failTerminally(ctx, exec, "webhook not found")
	}

	if w.limiter != nil {
		allowed, _, _ := w.limiter.CheckRateLimit(ctx, webhook.ID)
		if !allowed {
			// A rate-limit rejection does not consume a retry attempt.
			exec.Status = model.ExecutionFailure
			exec.ErrorMessage = "rate limit exceeded"
			return w.gateway.UpdateExecution(ctx, exec)
		}
		if _, err := w.limiter.IncrementWebhookCounter(ctx, webhook.ID); err != nil {
			logger.WarnF("worker: failed to increment rate counter for webhook %s: %v", webhook.ID, err)
		}
	}

	started := time.Now()
	exec.Status = model.ExecutionRunning
	exec.StartedAt = &started
	exec.WorkerID = w.id
	if err := w.gateway.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("worker: mark running: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	softTimer := time.AfterFunc(softTimeout, func() {
		logger.WarnF("worker: execution %s exceeded soft timeout of %s", exec.ID, softTimeout)
	})
	resp, callErr := w.http.Execute(callCtx, buildRequest(webhook))
	softTimer.Stop()
	finished := time.Now()
	exec.FinishedAt = &finished
	exec.DurationMS = finished.Sub(started).Milliseconds()

	if callErr == nil && model.IsSuccessStatus(resp.StatusCode) {
		exec.Status = model.ExecutionSuccess
		exec.ResponseStatus = resp.StatusCode
		exec.ResponseBody = resp.Body
		if w.metrics != nil {
			w.metrics.ExecutionsTotal.WithLabelValues(string(model.ExecutionSuccess)).Inc()
			w.metrics.ExecutionLatency.Observe(time.Since(started).Seconds())
		}
		return w.gateway.UpdateExecution(ctx, exec)
	}

	errText := describeFailure(resp.StatusCode, callErr)
	exec.ResponseStatus = resp.StatusCode
	exec.ErrorMessage = model.Truncate(errText, model.MaxTruncatedErrorBytes)

	if callCtx.Err() != nil {
		exec.Status = model.ExecutionTimedOut
	} else {
		exec.Status = model.ExecutionFailure
	}

	return w.retryOrDeadLetter(ctx, job, exec)
}

func (w *Worker) retryOrDeadLetter(ctx context.Context, job *model.Job, exec *model.JobExecution) error {
	if exec.Attempt >= w.policy.MaxAttempts {
		exec.Status = model.ExecutionDeadLetter
		exec.ErrorMessage = fmt.Sprintf("Max attempts (%d) exceeded. Last error: %s", w.policy.MaxAttempts, exec.ErrorMessage)
		if w.metrics != nil {
			w.metrics.DeadLettersTotal.Inc()
			w.metrics.ExecutionsTotal.WithLabelValues(string(model.ExecutionDeadLetter)).Inc()
		}
		return w.gateway.UpdateExecution(ctx, exec)
	}

	if err := w.gateway.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("worker: persist failure: %w", err)
	}
	if w.metrics != nil {
		w.metrics.ExecutionsTotal.WithLabelValues(string(exec.Status)).Inc()
	}

	next := &model.JobExecution{JobID: exec.JobID, Status: model.ExecutionQueued, Attempt: exec.Attempt + 1}
	if err := w.gateway.InsertExecution(ctx, next); err != nil {
		return fmt.Errorf("worker: insert retry execution: %w", err)
	}

	backoff := w.policy.Backoff(exec.Attempt)
	if err := w.brk.Enqueue(ctx, broker.Task{Name: broker.TaskExecuteJob, Args: []string{next.ID}}, time.Now().Add(backoff)); err != nil {
		return fmt.Errorf("worker: enqueue retry: %w", err)
	}
	if w.metrics != nil {
		w.metrics.RetriesTotal.Inc()
	}
	return nil
}

func (w *Worker) failTerminally(ctx context.Context, exec *model.JobExecution, reason string) error {
	exec.Status = model.ExecutionFailure
	exec.ErrorMessage = reason
	if w.metrics != nil {
		w.metrics.ExecutionsTotal.WithLabelValues(string(model.ExecutionFailure)).Inc()
	}
	return w.gateway.UpdateExecution(ctx, exec)
}

func describeFailure(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("unexpected response status %d", status)
}

// buildRequest renders a Webhook into an httpclient.Request, substituting
// the templating vocabulary in BodyTemplate (at minimum {{timestamp}}).
func buildRequest(w *model.Webhook) httpclient.Request {
	body := strings.ReplaceAll(w.BodyTemplate, "{{timestamp}}", time.Now().UTC().Format(templateTimestampLayout))
	return httpclient.Request{
		Method:      w.Method,
		URL:         w.URL,
		Headers:     w.Headers,
		QueryParams: w.QueryParams,
		Body:        body,
		ContentType: w.ContentType,
	}
}
