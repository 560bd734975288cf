// Package loadrun implements the load-run orchestrator from spec.md
// §4.G: given a CollectionRun id, it spawns concurrent cooperative tasks
// that replay a collection's webhooks against their targets for a fixed
// duration, then aggregates latency percentiles into a CollectionReport.
package loadrun

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"oss.nandlabs.io/hookforge/httpclient"
	"oss.nandlabs.io/hookforge/l3"
	"oss.nandlabs.io/hookforge/metrics"
	"oss.nandlabs.io/hookforge/model"
	"oss.nandlabs.io/hookforge/persistence"
)

var logger = l3.Get()

const perRequestTimeout = 30 * time.Second

// minSampleSizeForPercentiles is the threshold below which p95/p99 are
// left unset rather than computed from too few samples, per spec.md §4.G.
const minSampleSizeForPercentiles = 20

// Orchestrator runs CollectionRuns.
type Orchestrator struct {
	gateway persistence.Gateway
	http    *httpclient.Client
	metrics *metrics.Registry
}

// New constructs an Orchestrator. reg may be nil, in which case no
// metrics are recorded.
func New(gateway persistence.Gateway, httpClient *httpclient.Client, reg *metrics.Registry) *Orchestrator {
	return &Orchestrator{gateway: gateway, http: httpClient, metrics: reg}
}

// Run executes the given CollectionRun to completion (or cancellation).
func (o *Orchestrator) Run(ctx context.Context, runID string) error {
	run, err := o.gateway.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	started := time.Now()
	run.Status = model.RunRunning
	run.StartedAt = &started
	if err := o.gateway.UpdateRun(ctx, run); err != nil {
		return err
	}

	collection, err := o.gateway.GetCollection(ctx, run.CollectionID)
	if err != nil {
		return o.fail(ctx, run, err)
	}
	if len(collection.Webhooks) == 0 {
		return o.complete(ctx, run)
	}

	report := &model.CollectionReport{RunID: run.ID}
	if err := o.gateway.CreateReport(ctx, report); err != nil {
		return o.fail(ctx, run, err)
	}
	report, err = o.gateway.GetReportForRun(ctx, run.ID)
	if err != nil {
		return o.fail(ctx, run, err)
	}

	deadline := started.Add(time.Duration(run.DurationSeconds) * time.Second)

	var wg sync.WaitGroup
	for u := 0; u < run.ConcurrentUsers; u++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.virtualUser(ctx, run, collection.Webhooks, report.ID, deadline)
		}()
	}
	wg.Wait()

	if cancelled, err := o.isCancelled(ctx, run.ID); err != nil {
		return o.fail(ctx, run, err)
	} else if cancelled {
		run.Status = model.RunCancelled
		completed := time.Now()
		run.CompletedAt = &completed
		if err := o.gateway.UpdateRun(ctx, run); err != nil {
			return err
		}
	}

	if err := o.aggregate(ctx, run.ID, report.ID); err != nil {
		return o.fail(ctx, run, err)
	}

	if run.Status == model.RunCancelled {
		return nil
	}
	return o.complete(ctx, run)
}

// virtualUser loops over the ordered endpoint list until the run's
// duration has elapsed or the run is observed cancelled, sleeping per
// requests_per_second after each full iteration (not per request), per
// spec.md §4.G step 4.b.
func (o *Orchestrator) virtualUser(ctx context.Context, run *model.CollectionRun, webhooks []*model.Webhook, reportID string, deadline time.Time) {
	for time.Now().Before(deadline) {
		if cancelled, _ := o.isCancelled(ctx, run.ID); cancelled {
			return
		}

		for _, wh := range webhooks {
			if time.Now().After(deadline) {
				return
			}
			o.performOne(ctx, wh, reportID)
		}

		if run.RequestsPerSecond != nil && *run.RequestsPerSecond > 0 {
			time.Sleep(time.Duration(float64(time.Second) / *run.RequestsPerSecond))
		}
	}
}

func (o *Orchestrator) performOne(ctx context.Context, wh *model.Webhook, reportID string) {
	callCtx, cancel := context.WithTimeout(ctx, perRequestTimeout)
	defer cancel()

	resp, err := o.http.Execute(callCtx, httpclient.Request{
		Method:      wh.Method,
		URL:         wh.URL,
		Headers:     wh.Headers,
		QueryParams: wh.QueryParams,
		Body:        wh.BodyTemplate,
		ContentType: wh.ContentType,
	})

	result := &model.CollectionResult{
		ReportID: reportID,
		Endpoint: wh.URL,
		Method:   wh.Method,
	}
	if err != nil {
		result.ErrorText = model.Truncate(err.Error(), model.MaxTruncatedErrorBytes)
		result.IsSuccess = false
	} else {
		result.ResponseStatus = resp.StatusCode
		result.ResponseBody = model.Truncate(resp.Body, model.MaxTruncatedBodyBytes)
		result.ResponseTimeMS = resp.Duration.Milliseconds()
		result.IsSuccess = model.IsSuccessStatus(resp.StatusCode)
	}

	if o.metrics != nil {
		outcome := "failure"
		if result.IsSuccess {
			outcome = "success"
		}
		o.metrics.LoadRunRequestsTotal.WithLabelValues(outcome).Inc()
		o.metrics.LoadRunLatency.Observe(resp.Duration.Seconds())
	}

	if err := o.gateway.AppendResult(ctx, result); err != nil {
		logger.WarnF("loadrun: failed to append result for %s: %v", wh.URL, err)
	}
}

func (o *Orchestrator) isCancelled(ctx context.Context, runID string) (bool, error) {
	run, err := o.gateway.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.Status == model.RunCancelled, nil
}

// aggregate computes total/success/failed, avg/min/max latency, and
// p95/p99 (only when there are at least minSampleSizeForPercentiles
// samples with a positive response time), and persists onto the report.
func (o *Orchestrator) aggregate(ctx context.Context, runID, reportID string) error {
	results, err := o.gateway.ListResults(ctx, reportID)
	if err != nil {
		return err
	}

	report := &model.CollectionReport{ID: reportID, RunID: runID}
	report.Total = len(results)

	var latencies []int64
	var sum int64
	for _, r := range results {
		if r.IsSuccess {
			report.Success++
		} else {
			report.Failed++
		}
		if r.ResponseTimeMS > 0 {
			latencies = append(latencies, r.ResponseTimeMS)
			sum += r.ResponseTimeMS
		}
	}

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		report.AvgLatencyMS = sum / int64(len(latencies))
		report.MinLatencyMS = latencies[0]
		report.MaxLatencyMS = latencies[len(latencies)-1]

		if len(latencies) >= minSampleSizeForPercentiles {
			p95 := latencies[int(math.Floor(0.95*float64(len(latencies))))]
			p99 := latencies[int(math.Floor(0.99*float64(len(latencies))))]
			report.P95LatencyMS = &p95
			report.P99LatencyMS = &p99
		}
	}

	return o.gateway.UpdateReport(ctx, report)
}

func (o *Orchestrator) complete(ctx context.Context, run *model.CollectionRun) error {
	run.Status = model.RunCompleted
	completed := time.Now()
	run.CompletedAt = &completed
	return o.gateway.UpdateRun(ctx, run)
}

func (o *Orchestrator) fail(ctx context.Context, run *model.CollectionRun, cause error) error {
	run.Status = model.RunFailed
	completed := time.Now()
	run.CompletedAt = &completed
	if err := o.gateway.UpdateRun(ctx, run); err != nil {
		logger.WarnF("loadrun: failed to persist failed status for run %s: %v", run.ID, err)
	}
	return cause
}

// Rerun implements the re-run affordance from spec.md §4.G: reset a
// completed/failed run to pending, purge its prior report and results,
// and hand it back ready to be re-enqueued.
func Rerun(ctx context.Context, gateway persistence.Gateway, runID string) error {
	run, err := gateway.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := gateway.PurgeRunArtifacts(ctx, runID); err != nil {
		return err
	}
	run.Status = model.RunPending
	run.StartedAt = nil
	run.CompletedAt = nil
	return gateway.UpdateRun(ctx, run)
}
