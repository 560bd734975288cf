package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"oss.nandlabs.io/hookforge/apperrors"
	"oss.nandlabs.io/hookforge/model"
)

// PgGateway is a Gateway backed by PostgreSQL via pgx. Every mutating
// operation runs in its own transaction, per spec.md §4.H.
type PgGateway struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	rowLocks map[string]pgx.Tx // jobID -> open tx holding FOR UPDATE NOWAIT
}

// NewPgGateway wraps an existing pgxpool.Pool.
func NewPgGateway(pool *pgxpool.Pool) *PgGateway {
	return &PgGateway{pool: pool, rowLocks: make(map[string]pgx.Tx)}
}

// OpenPgGateway dials a connection pool for the given DSN.
func OpenPgGateway(ctx context.Context, dsn string) (*PgGateway, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return NewPgGateway(pool), nil
}

func (g *PgGateway) Close() {
	g.pool.Close()
}

func (g *PgGateway) FindDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT id, account_id, name, cron, timezone, enabled, last_fire_at, next_fire_at
		   FROM jobs
		  WHERE enabled AND next_fire_at <= $1
		  ORDER BY next_fire_at ASC
		  LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j := &model.Job{}
		if err := rows.Scan(&j.ID, &j.AccountID, &j.Name, &j.Cron, &j.Timezone, &j.Enabled, &j.LastFireAt, &j.NextFireAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (g *PgGateway) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	j := &model.Job{}
	err := g.pool.QueryRow(ctx,
		`SELECT id, account_id, name, cron, timezone, enabled, last_fire_at, next_fire_at
		   FROM jobs WHERE id = $1`, jobID,
	).Scan(&j.ID, &j.AccountID, &j.Name, &j.Cron, &j.Timezone, &j.Enabled, &j.LastFireAt, &j.NextFireAt)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// TryRowLock implements the scheduler's coordination-store-unavailable
// fallback: SELECT ... FOR UPDATE NOWAIT on the job row, held open in a
// dedicated transaction until release is called.
func (g *PgGateway) TryRowLock(ctx context.Context, jobID string) (func(), bool, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	_, err = tx.Exec(ctx, `SELECT id FROM jobs WHERE id = $1 FOR UPDATE NOWAIT`, jobID)
	if err != nil {
		_ = tx.Rollback(ctx)
		// lock_not_available is the Postgres error class for NOWAIT contention.
		return nil, false, nil
	}

	g.mu.Lock()
	g.rowLocks[jobID] = tx
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		heldTx, ok := g.rowLocks[jobID]
		delete(g.rowLocks, jobID)
		g.mu.Unlock()
		if ok {
			_ = heldTx.Commit(ctx)
		}
	}
	return release, true, nil
}

func (g *PgGateway) AdvanceJob(ctx context.Context, jobID string, lastFireAt, nextFireAt time.Time) error {
	tag, err := g.pool.Exec(ctx,
		`UPDATE jobs SET last_fire_at = $1, next_fire_at = $2 WHERE id = $3`,
		lastFireAt, nextFireAt, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrJobNotFound
	}
	return nil
}

func (g *PgGateway) GetWebhookForJob(ctx context.Context, jobID string) (*model.Webhook, error) {
	w := &model.Webhook{}
	err := g.pool.QueryRow(ctx,
		`SELECT id, job_id, url, method, headers, query_params, body_template, content_type
		   FROM webhooks WHERE job_id = $1`, jobID,
	).Scan(&w.ID, &w.JobID, &w.URL, &w.Method, &w.Headers, &w.QueryParams, &w.BodyTemplate, &w.ContentType)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrWebhookNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (g *PgGateway) GetWebhook(ctx context.Context, webhookID string) (*model.Webhook, error) {
	w := &model.Webhook{}
	err := g.pool.QueryRow(ctx,
		`SELECT id, job_id, collection_id, url, method, headers, query_params, body_template, content_type
		   FROM webhooks WHERE id = $1`, webhookID,
	).Scan(&w.ID, &w.JobID, &w.CollectionID, &w.URL, &w.Method, &w.Headers, &w.QueryParams, &w.BodyTemplate, &w.ContentType)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrWebhookNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (g *PgGateway) InsertExecution(ctx context.Context, exec *model.JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	_, err := g.pool.Exec(ctx,
		`INSERT INTO job_executions (id, job_id, status, attempt, started_at, finished_at, worker_id, duration_ms, response_status, response_body, error_message)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		exec.ID, exec.JobID, exec.Status, exec.Attempt, exec.StartedAt, exec.FinishedAt, exec.WorkerID, exec.DurationMS, exec.ResponseStatus, exec.ResponseBody, exec.ErrorMessage)
	return err
}

func (g *PgGateway) GetExecution(ctx context.Context, executionID string) (*model.JobExecution, error) {
	e := &model.JobExecution{}
	err := g.pool.QueryRow(ctx,
		`SELECT id, job_id, status, attempt, started_at, finished_at, worker_id, duration_ms, response_status, response_body, error_message
		   FROM job_executions WHERE id = $1`, executionID,
	).Scan(&e.ID, &e.JobID, &e.Status, &e.Attempt, &e.StartedAt, &e.FinishedAt, &e.WorkerID, &e.DurationMS, &e.ResponseStatus, &e.ResponseBody, &e.ErrorMessage)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (g *PgGateway) UpdateExecution(ctx context.Context, exec *model.JobExecution) error {
	tag, err := g.pool.Exec(ctx,
		`UPDATE job_executions
		    SET status=$1, started_at=$2, finished_at=$3, worker_id=$4, duration_ms=$5,
		        response_status=$6, response_body=$7, error_message=$8
		  WHERE id=$9`,
		exec.Status, exec.StartedAt, exec.FinishedAt, exec.WorkerID, exec.DurationMS,
		exec.ResponseStatus, exec.ResponseBody, exec.ErrorMessage, exec.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrExecutionNotFound
	}
	return nil
}

func (g *PgGateway) FindOrCreateAccount(ctx context.Context, userID, name string) (*model.Account, error) {
	a := &model.Account{}
	err := g.pool.QueryRow(ctx,
		`SELECT id, user_id, name, created_at FROM accounts WHERE user_id = $1 AND name = $2`,
		userID, name,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.Created)
	if err == nil {
		return a, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}

	a = &model.Account{ID: uuid.NewString(), UserID: userID, Name: name, Created: time.Now()}
	_, err = g.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id, name, created_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (user_id, name) DO NOTHING`,
		a.ID, a.UserID, a.Name, a.Created)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (g *PgGateway) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	a := &model.Account{}
	err := g.pool.QueryRow(ctx,
		`SELECT id, user_id, name, created_at FROM accounts WHERE id = $1`, accountID,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.Created)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (g *PgGateway) GetSubscriptionForAccount(ctx context.Context, accountID string) (*model.Subscription, error) {
	s := &model.Subscription{AccountID: accountID}
	err := g.pool.QueryRow(ctx,
		`SELECT id, external_billing_id, plan_id, status, term_start, term_end, cancellation_reason
		   FROM subscriptions WHERE account_id = $1`, accountID,
	).Scan(&s.ID, &s.ExternalBillingID, &s.PlanID, &s.Status, &s.TermStart, &s.TermEnd, &s.CancellationReason)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CascadeDeleteAccount deletes an account and its owned rows in a single
// transaction. Foreign keys from jobs/collections/subscriptions to
// accounts, and from executions/webhooks/runs/reports/results to their
// respective owners, are assumed ON DELETE CASCADE, so deleting the
// account row alone is sufficient once inside the transaction.
func (g *PgGateway) CascadeDeleteAccount(ctx context.Context, accountID string) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, accountID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (g *PgGateway) CountLive(ctx context.Context, kind string, accountID string) (int, error) {
	var query string
	switch kind {
	case KindJob:
		query = `SELECT count(*) FROM jobs WHERE account_id = $1`
	case KindURL:
		query = `SELECT (SELECT count(*) FROM webhooks w
		                   JOIN jobs j ON w.job_id = j.id
		                  WHERE j.account_id = $1)
		               + (SELECT count(*) FROM webhooks w
		                   JOIN collections c ON w.collection_id = c.id
		                  WHERE c.account_id = $1)`
	default:
		return 0, nil
	}
	var n int
	if err := g.pool.QueryRow(ctx, query, accountID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (g *PgGateway) GetCollection(ctx context.Context, collectionID string) (*model.Collection, error) {
	c := &model.Collection{ID: collectionID}
	err := g.pool.QueryRow(ctx,
		`SELECT account_id, name, description FROM collections WHERE id = $1`, collectionID,
	).Scan(&c.AccountID, &c.Name, &c.Description)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrCollectionNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := g.pool.Query(ctx,
		`SELECT id, url, method, headers, query_params, body_template, content_type, execution_order
		   FROM webhooks WHERE collection_id = $1
		  ORDER BY execution_order ASC NULLS LAST, created_at ASC`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		w := &model.Webhook{CollectionID: &collectionID}
		if err := rows.Scan(&w.ID, &w.URL, &w.Method, &w.Headers, &w.QueryParams, &w.BodyTemplate, &w.ContentType, &w.ExecutionOrder); err != nil {
			return nil, err
		}
		c.Webhooks = append(c.Webhooks, w)
	}
	return c, rows.Err()
}

func (g *PgGateway) GetRun(ctx context.Context, runID string) (*model.CollectionRun, error) {
	r := &model.CollectionRun{ID: runID}
	err := g.pool.QueryRow(ctx,
		`SELECT collection_id, status, concurrent_users, duration_seconds, requests_per_second, started_at, completed_at
		   FROM collection_runs WHERE id = $1`, runID,
	).Scan(&r.CollectionID, &r.Status, &r.ConcurrentUsers, &r.DurationSeconds, &r.RequestsPerSecond, &r.StartedAt, &r.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (g *PgGateway) UpdateRun(ctx context.Context, run *model.CollectionRun) error {
	tag, err := g.pool.Exec(ctx,
		`UPDATE collection_runs
		    SET status=$1, started_at=$2, completed_at=$3
		  WHERE id=$4`,
		run.Status, run.StartedAt, run.CompletedAt, run.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrRunNotFound
	}
	return nil
}

func (g *PgGateway) CreateReport(ctx context.Context, report *model.CollectionReport) error {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	_, err := g.pool.Exec(ctx,
		`INSERT INTO collection_reports (id, run_id, total, success, failed, avg_latency_ms, min_latency_ms, max_latency_ms, p95_latency_ms, p99_latency_ms)
		 VALUES ($1,$2,0,0,0,0,0,0,NULL,NULL)`,
		report.ID, report.RunID)
	return err
}

func (g *PgGateway) UpdateReport(ctx context.Context, report *model.CollectionReport) error {
	_, err := g.pool.Exec(ctx,
		`UPDATE collection_reports
		    SET total=$1, success=$2, failed=$3, avg_latency_ms=$4, min_latency_ms=$5, max_latency_ms=$6, p95_latency_ms=$7, p99_latency_ms=$8
		  WHERE id=$9`,
		report.Total, report.Success, report.Failed, report.AvgLatencyMS, report.MinLatencyMS, report.MaxLatencyMS, report.P95LatencyMS, report.P99LatencyMS, report.ID)
	return err
}

func (g *PgGateway) AppendResult(ctx context.Context, result *model.CollectionResult) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}
	_, err := g.pool.Exec(ctx,
		`INSERT INTO collection_results
		   (id, report_id, endpoint, method, request_headers, request_body, response_status, response_headers, response_body, response_time_ms, is_success, error_text, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		result.ID, result.ReportID, result.Endpoint, result.Method, result.RequestHeaders, result.RequestBody,
		result.ResponseStatus, result.ResponseHeaders, result.ResponseBody, result.ResponseTimeMS, result.IsSuccess, result.ErrorText, result.CreatedAt)
	return err
}

func (g *PgGateway) ListResults(ctx context.Context, reportID string) ([]*model.CollectionResult, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT id, report_id, endpoint, method, request_headers, request_body, response_status, response_headers, response_body, response_time_ms, is_success, error_text, created_at
		   FROM collection_results WHERE report_id = $1 ORDER BY created_at ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*model.CollectionResult
	for rows.Next() {
		r := &model.CollectionResult{}
		if err := rows.Scan(&r.ID, &r.ReportID, &r.Endpoint, &r.Method, &r.RequestHeaders, &r.RequestBody,
			&r.ResponseStatus, &r.ResponseHeaders, &r.ResponseBody, &r.ResponseTimeMS, &r.IsSuccess, &r.ErrorText, &r.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (g *PgGateway) GetReportForRun(ctx context.Context, runID string) (*model.CollectionReport, error) {
	r := &model.CollectionReport{RunID: runID}
	err := g.pool.QueryRow(ctx,
		`SELECT id, total, success, failed, avg_latency_ms, min_latency_ms, max_latency_ms, p95_latency_ms, p99_latency_ms
		   FROM collection_reports WHERE run_id = $1`, runID,
	).Scan(&r.ID, &r.Total, &r.Success, &r.Failed, &r.AvgLatencyMS, &r.MinLatencyMS, &r.MaxLatencyMS, &r.P95LatencyMS, &r.P99LatencyMS)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (g *PgGateway) PurgeRunArtifacts(ctx context.Context, runID string) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM collection_results WHERE report_id IN (SELECT id FROM collection_reports WHERE run_id = $1)`, runID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM collection_reports WHERE run_id = $1`, runID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
