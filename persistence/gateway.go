// Package persistence is the durable store for jobs, executions,
// collections, and load-run reports. It hides the choice of relational
// store behind a single Gateway interface; the only contracts leaked
// upward are strict transactional semantics per logical step, a
// row-level claim primitive for the scheduler's lock-fallback path, and
// monotonic created_at timestamps.
package persistence

import (
	"context"
	"time"

	"oss.nandlabs.io/hookforge/model"
)

// Gateway exposes the typed operations used by the scheduler, worker, and
// load-run orchestrator.
type Gateway interface {
	// FindDueJobs returns up to limit enabled jobs whose next_fire_at is
	// at or before now, per spec.md §4.E step 1.
	FindDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error)
	// GetJob loads a single job by id.
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	// TryRowLock acquires the scheduler's row-level exclusive-lock
	// fallback (SELECT ... FOR UPDATE NOWAIT) on a job row. It returns a
	// release function and ok=false without error if the row is already
	// locked.
	TryRowLock(ctx context.Context, jobID string) (release func(), ok bool, err error)
	// AdvanceJob sets last_fire_at and next_fire_at on a job.
	AdvanceJob(ctx context.Context, jobID string, lastFireAt, nextFireAt time.Time) error

	// GetWebhookForJob loads the webhook attached to a job.
	GetWebhookForJob(ctx context.Context, jobID string) (*model.Webhook, error)
	// GetWebhook loads a webhook by its own id, regardless of whether it
	// is attached to a job or a collection.
	GetWebhook(ctx context.Context, webhookID string) (*model.Webhook, error)

	// InsertExecution creates a new JobExecution row.
	InsertExecution(ctx context.Context, exec *model.JobExecution) error
	// GetExecution loads a single execution by id.
	GetExecution(ctx context.Context, executionID string) (*model.JobExecution, error)
	// UpdateExecution persists changes to an existing execution row.
	UpdateExecution(ctx context.Context, exec *model.JobExecution) error

	// FindOrCreateAccount implements the idempotent-by-(user_id, name)
	// account creation rule from spec.md §3.
	FindOrCreateAccount(ctx context.Context, userID, name string) (*model.Account, error)
	// GetAccount loads a single account by id.
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	// GetSubscriptionForAccount loads the one subscription owned by an account.
	GetSubscriptionForAccount(ctx context.Context, accountID string) (*model.Subscription, error)
	// CascadeDeleteAccount deletes an account and all owned rows
	// (subscriptions, jobs, executions, webhooks, collections, runs,
	// reports, results) in one local transaction.
	CascadeDeleteAccount(ctx context.Context, accountID string) error
	// CountLive counts live rows of the given kind for an account, for
	// static creation-cap enforcement.
	CountLive(ctx context.Context, kind string, accountID string) (int, error)

	// GetCollection loads a collection and its ordered webhooks
	// (order ASC, created_at ASC; null order sorts last).
	GetCollection(ctx context.Context, collectionID string) (*model.Collection, error)
	// GetRun loads a single collection run by id.
	GetRun(ctx context.Context, runID string) (*model.CollectionRun, error)
	// UpdateRun persists changes to an existing run row.
	UpdateRun(ctx context.Context, run *model.CollectionRun) error
	// CreateReport creates a pending report row with zero counters.
	CreateReport(ctx context.Context, report *model.CollectionReport) error
	// UpdateReport persists aggregate counters onto an existing report.
	UpdateReport(ctx context.Context, report *model.CollectionReport) error
	// AppendResult records one CollectionResult sample.
	AppendResult(ctx context.Context, result *model.CollectionResult) error
	// ListResults returns every CollectionResult recorded for a report, in
	// insertion order.
	ListResults(ctx context.Context, reportID string) ([]*model.CollectionResult, error)
	// GetReportForRun loads the (single) report owned by a run.
	GetReportForRun(ctx context.Context, runID string) (*model.CollectionReport, error)
	// PurgeRunArtifacts deletes a run's existing reports and results, for
	// the re-run affordance described in spec.md §4.G.
	PurgeRunArtifacts(ctx context.Context, runID string) error
}

// Creation-cap kinds as understood by CountLive, mirroring ratelimit.CreationKind
// without importing that package (avoids a persistence<->ratelimit cycle).
const (
	KindURL = "url"
	KindJob = "job"
)
