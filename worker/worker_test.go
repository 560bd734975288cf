package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"oss.nandlabs.io/hookforge/broker"
	"oss.nandlabs.io/hookforge/coordination"
	"oss.nandlabs.io/hookforge/httpclient"
	"oss.nandlabs.io/hookforge/model"
	"oss.nandlabs.io/hookforge/persistence"
	"oss.nandlabs.io/hookforge/ratelimit"
)

func newTestWorker(t *testing.T, gw *persistence.MemGateway, brk broker.Broker, policy RetryPolicy) *Worker {
	t.Helper()
	store := coordination.NewMemStore()
	limiter := ratelimit.NewLimiter(store, persistence.GatewayTierResolver{Gateway: gw}, persistence.GatewayCountResolver{Gateway: gw})
	hc, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		t.Fatalf("httpclient.New: %v", err)
	}
	t.Cleanup(func() { _ = hc.Close() })
	return New(gw, limiter, hc, brk, nil, Config{WorkerID: "w1", Policy: policy})
}

func seedJob(gw *persistence.MemGateway, jobID, url string) {
	gw.PutAccount(&model.Account{ID: "acct-1", UserID: "u1", Name: "default"})
	gw.PutSubscription(&model.Subscription{AccountID: "acct-1", PlanID: "free"})
	gw.PutJob(&model.Job{ID: jobID, AccountID: "acct-1", Cron: "* * * * *", Timezone: "UTC", Enabled: true})
	gw.PutWebhookForJob(&model.Webhook{ID: "wh-1", JobID: &jobID, URL: url, Method: model.MethodPost, BodyTemplate: `{"ts":"{{timestamp}}"}`})
}

func TestHandle_SuccessMarksExecutionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := persistence.NewMemGateway()
	seedJob(gw, "job-1", srv.URL)
	exec := &model.JobExecution{ID: "ex-1", JobID: "job-1", Status: model.ExecutionQueued, Attempt: 1}
	if err := gw.InsertExecution(context.Background(), exec); err != nil {
		t.Fatalf("InsertExecution: %v", err)
	}

	brk := broker.NewMemBroker()
	defer brk.Close()

	w := newTestWorker(t, gw, brk, DefaultRetryPolicy())
	if err := w.handle(context.Background(), broker.Task{Name: broker.TaskExecuteJob, Args: []string{"ex-1"}}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := gw.GetExecution(context.Background(), "ex-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.ExecutionSuccess {
		t.Errorf("Status = %s, want success", got.Status)
	}
	if got.ResponseStatus != http.StatusOK {
		t.Errorf("ResponseStatus = %d, want 200", got.ResponseStatus)
	}
}

func TestHandle_FailureEnqueuesRetryWithIncrementedAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw := persistence.NewMemGateway()
	seedJob(gw, "job-1", srv.URL)
	exec := &model.JobExecution{ID: "ex-1", JobID: "job-1", Status: model.ExecutionQueued, Attempt: 1}
	if err := gw.InsertExecution(context.Background(), exec); err != nil {
		t.Fatalf("InsertExecution: %v", err)
	}

	brk := broker.NewMemBroker()
	defer brk.Close()

	policy := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Type: BackoffFixed}
	w := newTestWorker(t, gw, brk, policy)

	var delivered int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = brk.Consume(ctx, broker.TaskExecuteJob, func(_ context.Context, task broker.Task) error {
			atomic.AddInt32(&delivered, 1)
			return nil
		})
	}()

	if err := w.handle(context.Background(), broker.Task{Name: broker.TaskExecuteJob, Args: []string{"ex-1"}}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := gw.GetExecution(context.Background(), "ex-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.ExecutionFailure {
		t.Errorf("Status = %s, want failure", got.Status)
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&delivered) != 1 {
		t.Errorf("delivered = %d, want 1 retry task delivered", delivered)
	}
}

func TestHandle_MaxAttemptsExhaustedGoesDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw := persistence.NewMemGateway()
	seedJob(gw, "job-1", srv.URL)
	exec := &model.JobExecution{ID: "ex-1", JobID: "job-1", Status: model.ExecutionQueued, Attempt: 3}
	if err := gw.InsertExecution(context.Background(), exec); err != nil {
		t.Fatalf("InsertExecution: %v", err)
	}

	brk := broker.NewMemBroker()
	defer brk.Close()

	policy := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Type: BackoffFixed}
	w := newTestWorker(t, gw, brk, policy)

	if err := w.handle(context.Background(), broker.Task{Name: broker.TaskExecuteJob, Args: []string{"ex-1"}}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := gw.GetExecution(context.Background(), "ex-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.ExecutionDeadLetter {
		t.Errorf("Status = %s, want dead_letter", got.Status)
	}
}

func TestHandle_AlreadyTerminalExecutionIsNoOp(t *testing.T) {
	gw := persistence.NewMemGateway()
	seedJob(gw, "job-1", "http://unused")
	exec := &model.JobExecution{ID: "ex-1", JobID: "job-1", Status: model.ExecutionSuccess, Attempt: 1}
	if err := gw.InsertExecution(context.Background(), exec); err != nil {
		t.Fatalf("InsertExecution: %v", err)
	}

	brk := broker.NewMemBroker()
	defer brk.Close()

	w := newTestWorker(t, gw, brk, DefaultRetryPolicy())
	if err := w.handle(context.Background(), broker.Task{Name: broker.TaskExecuteJob, Args: []string{"ex-1"}}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := gw.GetExecution(context.Background(), "ex-1")
	if got.Status != model.ExecutionSuccess {
		t.Error("terminal execution must not be mutated by redelivery")
	}
}
