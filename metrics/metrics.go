// Package metrics wires the core's Prometheus instrumentation: the
// scheduler's four poll counters, the worker's execution/retry counters,
// and the load-run orchestrator's request histogram. A single registry is
// shared process-wide and served over HTTP by Serve.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oss.nandlabs.io/hookforge/l3"
)

var logger = l3.Get()

// Registry groups every metric the core publishes.
type Registry struct {
	reg *prometheus.Registry

	// Scheduler poller counters, per spec.md §4.E.
	JobsPolledTotal   *prometheus.CounterVec
	JobsEnqueuedTotal *prometheus.CounterVec
	LockFailuresTotal prometheus.Counter
	PollDuration      prometheus.Histogram

	// Execution worker counters.
	ExecutionsTotal  *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	DeadLettersTotal prometheus.Counter
	ExecutionLatency prometheus.Histogram

	// Load-run orchestrator counters.
	LoadRunRequestsTotal *prometheus.CounterVec
	LoadRunLatency       prometheus.Histogram
}

// NewRegistry constructs and registers every metric on a fresh registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,
		JobsPolledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hookforge_jobs_polled_total",
			Help: "Total number of jobs observed as due by the scheduler poller.",
		}, []string{"status"}),
		JobsEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hookforge_jobs_enqueued_total",
			Help: "Total number of job executions enqueued to the broker.",
		}, []string{"status"}),
		LockFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hookforge_lock_failures_total",
			Help: "Total number of claim attempts that failed to acquire a lock.",
		}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookforge_poll_duration_seconds",
			Help:    "Time spent processing one scheduler poll tick.",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hookforge_executions_total",
			Help: "Total number of job executions, by terminal status.",
		}, []string{"status"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hookforge_retries_total",
			Help: "Total number of execution retries enqueued.",
		}),
		DeadLettersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hookforge_dead_letters_total",
			Help: "Total number of executions exhausted to dead_letter.",
		}),
		ExecutionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookforge_execution_duration_seconds",
			Help:    "Outbound webhook call duration as observed by the execution worker.",
			Buckets: prometheus.DefBuckets,
		}),
		LoadRunRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hookforge_loadrun_requests_total",
			Help: "Total number of load-run requests, by success/failure.",
		}, []string{"outcome"}),
		LoadRunLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookforge_loadrun_request_duration_seconds",
			Help:    "Load-run request duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	return r
}

// Serve starts an HTTP server exposing /metrics and /health, shutting down
// when ctx is cancelled. It blocks until the server exits.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.InfoF("metrics: shutting down server on %s", addr)
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
