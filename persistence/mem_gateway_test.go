package persistence

import (
	"context"
	"testing"
	"time"

	"oss.nandlabs.io/hookforge/model"
)

func TestFindDueJobs_FiltersByEnabledAndNextFireAt(t *testing.T) {
	g := NewMemGateway()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	g.PutJob(&model.Job{ID: "due-1", AccountID: "a1", Enabled: true, NextFireAt: &past})
	g.PutJob(&model.Job{ID: "not-due", AccountID: "a1", Enabled: true, NextFireAt: &future})
	g.PutJob(&model.Job{ID: "disabled", AccountID: "a1", Enabled: false, NextFireAt: &past})
	g.PutJob(&model.Job{ID: "no-schedule", AccountID: "a1", Enabled: true})

	due, err := g.FindDueJobs(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("FindDueJobs: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due-1" {
		t.Fatalf("got %v, want only due-1", due)
	}
}

func TestFindDueJobs_RespectsLimit(t *testing.T) {
	g := NewMemGateway()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		g.PutJob(&model.Job{ID: id, AccountID: "acct", Enabled: true, NextFireAt: &past})
	}

	due, err := g.FindDueJobs(context.Background(), now, 2)
	if err != nil {
		t.Fatalf("FindDueJobs: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
}

func TestTryRowLock_MutualExclusion(t *testing.T) {
	g := NewMemGateway()
	ctx := context.Background()

	release, ok, err := g.TryRowLock(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("first TryRowLock: ok=%v err=%v", ok, err)
	}

	_, ok2, err := g.TryRowLock(ctx, "job-1")
	if err != nil {
		t.Fatalf("second TryRowLock error: %v", err)
	}
	if ok2 {
		t.Fatal("second TryRowLock should fail while first is held")
	}

	release()

	_, ok3, err := g.TryRowLock(ctx, "job-1")
	if err != nil || !ok3 {
		t.Fatalf("TryRowLock after release: ok=%v err=%v", ok3, err)
	}
}

func TestAdvanceJob_UpdatesFireTimes(t *testing.T) {
	g := NewMemGateway()
	ctx := context.Background()
	g.PutJob(&model.Job{ID: "j1", AccountID: "a1", Enabled: true})

	last := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	next := last.Add(time.Hour)
	if err := g.AdvanceJob(ctx, "j1", last, next); err != nil {
		t.Fatalf("AdvanceJob: %v", err)
	}

	j, err := g.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.LastFireAt == nil || !j.LastFireAt.Equal(last) {
		t.Errorf("LastFireAt = %v, want %v", j.LastFireAt, last)
	}
	if j.NextFireAt == nil || !j.NextFireAt.Equal(next) {
		t.Errorf("NextFireAt = %v, want %v", j.NextFireAt, next)
	}
}

func TestAdvanceJob_UnknownJobErrors(t *testing.T) {
	g := NewMemGateway()
	err := g.AdvanceJob(context.Background(), "nope", time.Now(), time.Now())
	if err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestGetCollection_OrdersWebhooksWithNilOrderLast(t *testing.T) {
	g := NewMemGateway()
	ord1, ord0 := 1, 0
	colID := "col-1"
	webhooks := []*model.Webhook{
		{ID: "wh-c", CollectionID: &colID, ExecutionOrder: nil},
		{ID: "wh-a", CollectionID: &colID, ExecutionOrder: &ord0},
		{ID: "wh-b", CollectionID: &colID, ExecutionOrder: &ord1},
		{ID: "wh-d", CollectionID: &colID, ExecutionOrder: nil},
	}
	g.PutCollection(&model.Collection{ID: colID, AccountID: "acct", Webhooks: webhooks})

	got, err := g.GetCollection(context.Background(), colID)
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}

	want := []string{"wh-a", "wh-b", "wh-c", "wh-d"}
	if len(got.Webhooks) != len(want) {
		t.Fatalf("got %d webhooks, want %d", len(got.Webhooks), len(want))
	}
	for i, id := range want {
		if got.Webhooks[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, got.Webhooks[i].ID, id)
		}
	}
}

func TestFindOrCreateAccount_IdempotentByUserIDAndName(t *testing.T) {
	g := NewMemGateway()
	ctx := context.Background()

	a1, err := g.FindOrCreateAccount(ctx, "user-1", "default")
	if err != nil {
		t.Fatalf("FindOrCreateAccount: %v", err)
	}
	a2, err := g.FindOrCreateAccount(ctx, "user-1", "default")
	if err != nil {
		t.Fatalf("FindOrCreateAccount (second call): %v", err)
	}
	if a1.ID != a2.ID {
		t.Fatalf("expected idempotent account id, got %s and %s", a1.ID, a2.ID)
	}

	a3, err := g.FindOrCreateAccount(ctx, "user-1", "other")
	if err != nil {
		t.Fatalf("FindOrCreateAccount (distinct name): %v", err)
	}
	if a3.ID == a1.ID {
		t.Fatal("distinct (userID, name) pairs must not collapse to the same account")
	}
}

func TestGetWebhook_ByOwnID(t *testing.T) {
	g := NewMemGateway()
	ctx := context.Background()
	jobID := "job-1"
	g.PutJob(&model.Job{ID: jobID, AccountID: "acct-1", Enabled: true})
	g.PutWebhookForJob(&model.Webhook{ID: "wh-1", JobID: &jobID, URL: "http://example.test"})

	w, err := g.GetWebhook(ctx, "wh-1")
	if err != nil {
		t.Fatalf("GetWebhook: %v", err)
	}
	if w.URL != "http://example.test" {
		t.Errorf("URL = %q, want http://example.test", w.URL)
	}

	if _, err := g.GetWebhook(ctx, "does-not-exist"); err == nil {
		t.Error("expected error for unknown webhook id")
	}
}

func TestCascadeDeleteAccount_RemovesOwnedRows(t *testing.T) {
	g := NewMemGateway()
	ctx := context.Background()

	g.PutAccount(&model.Account{ID: "acct-1", UserID: "u1", Name: "default"})
	g.PutSubscription(&model.Subscription{AccountID: "acct-1", PlanID: "free"})
	g.PutJob(&model.Job{ID: "job-1", AccountID: "acct-1", Enabled: true})
	jobID := "job-1"
	g.PutWebhookForJob(&model.Webhook{ID: "wh-1", JobID: &jobID})
	if err := g.InsertExecution(ctx, &model.JobExecution{ID: "ex-1", JobID: "job-1"}); err != nil {
		t.Fatalf("InsertExecution: %v", err)
	}

	colID := "col-1"
	g.PutCollection(&model.Collection{ID: colID, AccountID: "acct-1"})
	g.PutRun(&model.CollectionRun{ID: "run-1", CollectionID: colID})
	if err := g.CreateReport(ctx, &model.CollectionReport{RunID: "run-1"}); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	report, err := g.GetReportForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetReportForRun: %v", err)
	}
	if err := g.AppendResult(ctx, &model.CollectionResult{ReportID: report.ID, Endpoint: "http://x"}); err != nil {
		t.Fatalf("AppendResult: %v", err)
	}

	if err := g.CascadeDeleteAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("CascadeDeleteAccount: %v", err)
	}

	if _, err := g.GetAccount(ctx, "acct-1"); err == nil {
		t.Error("account should be gone")
	}
	if _, err := g.GetJob(ctx, "job-1"); err == nil {
		t.Error("job should be gone")
	}
	if _, err := g.GetWebhookForJob(ctx, "job-1"); err == nil {
		t.Error("webhook should be gone")
	}
	if _, err := g.GetWebhook(ctx, "wh-1"); err == nil {
		t.Error("webhook should be gone by id too")
	}
	if _, err := g.GetExecution(ctx, "ex-1"); err == nil {
		t.Error("execution should be gone")
	}
	if _, err := g.GetCollection(ctx, colID); err == nil {
		t.Error("collection should be gone")
	}
	if _, err := g.GetRun(ctx, "run-1"); err == nil {
		t.Error("run should be gone")
	}
	if _, err := g.GetReportForRun(ctx, "run-1"); err == nil {
		t.Error("report should be gone")
	}
	if got, _ := g.ListResults(ctx, report.ID); len(got) != 0 {
		t.Errorf("expected results purged, got %d", len(got))
	}

	// A second account's rows must survive untouched.
	g.PutAccount(&model.Account{ID: "acct-2", UserID: "u2", Name: "default"})
	g.PutJob(&model.Job{ID: "job-2", AccountID: "acct-2", Enabled: true})
	if err := g.CascadeDeleteAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("CascadeDeleteAccount (repeat, idempotent no-op): %v", err)
	}
	if _, err := g.GetJob(ctx, "job-2"); err != nil {
		t.Error("unrelated account's job must not be deleted")
	}
}

func TestCountLive_JobsAndURLs(t *testing.T) {
	g := NewMemGateway()
	ctx := context.Background()

	g.PutJob(&model.Job{ID: "j1", AccountID: "acct-1", Enabled: true})
	g.PutJob(&model.Job{ID: "j2", AccountID: "acct-1", Enabled: true})
	g.PutJob(&model.Job{ID: "j3", AccountID: "acct-2", Enabled: true})

	n, err := g.CountLive(ctx, KindJob, "acct-1")
	if err != nil {
		t.Fatalf("CountLive: %v", err)
	}
	if n != 2 {
		t.Errorf("CountLive(job, acct-1) = %d, want 2", n)
	}

	jobID := "j1"
	g.PutWebhookForJob(&model.Webhook{ID: "wh-1", JobID: &jobID})
	n, err = g.CountLive(ctx, KindURL, "acct-1")
	if err != nil {
		t.Fatalf("CountLive: %v", err)
	}
	if n != 1 {
		t.Errorf("CountLive(url, acct-1) = %d, want 1", n)
	}
}

func TestPurgeRunArtifacts_RemovesReportAndResults(t *testing.T) {
	g := NewMemGateway()
	ctx := context.Background()

	g.PutRun(&model.CollectionRun{ID: "run-1", CollectionID: "col-1"})
	if err := g.CreateReport(ctx, &model.CollectionReport{RunID: "run-1"}); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	report, _ := g.GetReportForRun(ctx, "run-1")
	if err := g.AppendResult(ctx, &model.CollectionResult{ReportID: report.ID, Endpoint: "http://x"}); err != nil {
		t.Fatalf("AppendResult: %v", err)
	}

	if err := g.PurgeRunArtifacts(ctx, "run-1"); err != nil {
		t.Fatalf("PurgeRunArtifacts: %v", err)
	}
	if _, err := g.GetReportForRun(ctx, "run-1"); err == nil {
		t.Error("report should be purged")
	}
	if got, _ := g.ListResults(ctx, report.ID); len(got) != 0 {
		t.Errorf("results after purge = %d, want 0", len(got))
	}

	// The run row itself survives purge, ready for a re-run.
	if _, err := g.GetRun(ctx, "run-1"); err != nil {
		t.Error("run row should survive PurgeRunArtifacts")
	}
}
