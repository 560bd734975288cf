package loadrun

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"oss.nandlabs.io/hookforge/httpclient"
	"oss.nandlabs.io/hookforge/model"
	"oss.nandlabs.io/hookforge/persistence"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *persistence.MemGateway) {
	t.Helper()
	gw := persistence.NewMemGateway()
	hc, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		t.Fatalf("httpclient.New: %v", err)
	}
	t.Cleanup(func() { _ = hc.Close() })
	return New(gw, hc, nil), gw
}

func TestRun_CompletesAndAggregatesReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o, gw := newTestOrchestrator(t)

	colID := "col-1"
	gw.PutCollection(&model.Collection{
		ID:        colID,
		AccountID: "acct-1",
		Webhooks: []*model.Webhook{
			{ID: "wh-1", CollectionID: &colID, URL: srv.URL, Method: model.MethodGet},
		},
	})
	gw.PutRun(&model.CollectionRun{ID: "run-1", CollectionID: colID, ConcurrentUsers: 2, DurationSeconds: 1})

	if err := o.Run(context.Background(), "run-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run, err := gw.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != model.RunCompleted {
		t.Errorf("Status = %s, want completed", run.Status)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}

	report, err := gw.GetReportForRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetReportForRun: %v", err)
	}
	if report.Total == 0 {
		t.Error("expected at least one recorded result")
	}
	if report.Success != report.Total {
		t.Errorf("Success = %d, Total = %d, want all successful", report.Success, report.Total)
	}
}

func TestRun_CancelledMidFlightStopsEarly(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o, gw := newTestOrchestrator(t)

	colID := "col-1"
	gw.PutCollection(&model.Collection{
		ID:        colID,
		AccountID: "acct-1",
		Webhooks:  []*model.Webhook{{ID: "wh-1", CollectionID: &colID, URL: srv.URL, Method: model.MethodGet}},
	})
	gw.PutRun(&model.CollectionRun{ID: "run-1", CollectionID: colID, ConcurrentUsers: 1, DurationSeconds: 5})

	go func() {
		time.Sleep(20 * time.Millisecond)
		run, _ := gw.GetRun(context.Background(), "run-1")
		run.Status = model.RunCancelled
		_ = gw.UpdateRun(context.Background(), run)
	}()

	start := time.Now()
	if err := o.Run(context.Background(), "run-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("cancellation should stop the run well before its 5s duration elapses")
	}

	run, err := gw.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != model.RunCancelled {
		t.Errorf("Status = %s, want cancelled", run.Status)
	}
}

func TestAggregate_OmitsPercentilesBelowThreshold(t *testing.T) {
	o, gw := newTestOrchestrator(t)
	gw.PutRun(&model.CollectionRun{ID: "run-1", CollectionID: "col-1"})
	if err := gw.CreateReport(context.Background(), &model.CollectionReport{RunID: "run-1"}); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	report, _ := gw.GetReportForRun(context.Background(), "run-1")

	for i := 0; i < 5; i++ {
		if err := gw.AppendResult(context.Background(), &model.CollectionResult{
			ReportID: report.ID, Endpoint: "http://x", ResponseTimeMS: int64(10 + i), IsSuccess: true,
		}); err != nil {
			t.Fatalf("AppendResult: %v", err)
		}
	}

	if err := o.aggregate(context.Background(), "run-1", report.ID); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	got, err := gw.GetReportForRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetReportForRun: %v", err)
	}
	if got.P95LatencyMS != nil || got.P99LatencyMS != nil {
		t.Error("percentiles should be nil below the sample-size threshold")
	}
	if got.Total != 5 {
		t.Errorf("Total = %d, want 5", got.Total)
	}
}

func TestAggregate_ComputesPercentilesAtThreshold(t *testing.T) {
	o, gw := newTestOrchestrator(t)
	gw.PutRun(&model.CollectionRun{ID: "run-1", CollectionID: "col-1"})
	if err := gw.CreateReport(context.Background(), &model.CollectionReport{RunID: "run-1"}); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	report, _ := gw.GetReportForRun(context.Background(), "run-1")

	for i := 1; i <= 20; i++ {
		if err := gw.AppendResult(context.Background(), &model.CollectionResult{
			ReportID: report.ID, Endpoint: "http://x", ResponseTimeMS: int64(i), IsSuccess: true,
		}); err != nil {
			t.Fatalf("AppendResult: %v", err)
		}
	}

	if err := o.aggregate(context.Background(), "run-1", report.ID); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	got, err := gw.GetReportForRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetReportForRun: %v", err)
	}
	if got.P95LatencyMS == nil || *got.P95LatencyMS != 20 {
		t.Errorf("P95 = %v, want 20 (index floor(0.95*20)=19, values 1..20)", got.P95LatencyMS)
	}
	if got.P99LatencyMS == nil || *got.P99LatencyMS != 20 {
		t.Errorf("P99 = %v, want 20 (index floor(0.99*20)=19)", got.P99LatencyMS)
	}
}

func TestRerun_ResetsStatusAndPurgesArtifacts(t *testing.T) {
	gw := persistence.NewMemGateway()
	gw.PutRun(&model.CollectionRun{ID: "run-1", CollectionID: "col-1", Status: model.RunCompleted})
	if err := gw.CreateReport(context.Background(), &model.CollectionReport{RunID: "run-1"}); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}

	if err := Rerun(context.Background(), gw, "run-1"); err != nil {
		t.Fatalf("Rerun: %v", err)
	}

	run, err := gw.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != model.RunPending {
		t.Errorf("Status = %s, want pending", run.Status)
	}
	if run.StartedAt != nil || run.CompletedAt != nil {
		t.Error("timestamps should be reset to nil")
	}
	if _, err := gw.GetReportForRun(context.Background(), "run-1"); err == nil {
		t.Error("old report should be purged")
	}
}
