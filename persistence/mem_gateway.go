package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"oss.nandlabs.io/hookforge/apperrors"
	"oss.nandlabs.io/hookforge/model"
)

// MemGateway is an in-memory Gateway used for tests and single-process
// deployments. All operations are serialized by a single mutex, which
// trivially satisfies the "one transaction per logical step" contract.
type MemGateway struct {
	mu sync.Mutex

	accounts      map[string]*model.Account
	accountByKey  map[string]string // userID + "\x00" + name -> accountID
	subscriptions map[string]*model.Subscription // accountID -> subscription
	jobs          map[string]*model.Job
	webhooksByJob map[string]*model.Webhook
	webhooksByCol map[string][]*model.Webhook
	webhooksByID  map[string]*model.Webhook
	executions    map[string]*model.JobExecution
	collections   map[string]*model.Collection
	runs          map[string]*model.CollectionRun
	reportsByRun  map[string]*model.CollectionReport
	results       map[string][]*model.CollectionResult // reportID -> results

	rowLocks map[string]bool
}

// NewMemGateway creates an empty MemGateway.
func NewMemGateway() *MemGateway {
	return &MemGateway{
		accounts:      make(map[string]*model.Account),
		accountByKey:  make(map[string]string),
		subscriptions: make(map[string]*model.Subscription),
		jobs:          make(map[string]*model.Job),
		webhooksByJob: make(map[string]*model.Webhook),
		webhooksByCol: make(map[string][]*model.Webhook),
		webhooksByID:  make(map[string]*model.Webhook),
		executions:    make(map[string]*model.JobExecution),
		collections:   make(map[string]*model.Collection),
		runs:          make(map[string]*model.CollectionRun),
		reportsByRun:  make(map[string]*model.CollectionReport),
		results:       make(map[string][]*model.CollectionResult),
		rowLocks:      make(map[string]bool),
	}
}

// Seed helpers, used by tests and cmd/hookforge fixtures to populate the
// gateway without going through the out-of-scope CRUD controllers.

func (g *MemGateway) PutAccount(a *model.Account) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts[a.ID] = a
	g.accountByKey[a.UserID+"\x00"+a.Name] = a.ID
}

func (g *MemGateway) PutSubscription(s *model.Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscriptions[s.AccountID] = s
}

func (g *MemGateway) PutJob(j *model.Job) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobs[j.ID] = j
}

func (g *MemGateway) PutWebhookForJob(w *model.Webhook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	g.webhooksByJob[*w.JobID] = w
	g.webhooksByID[w.ID] = w
}

func (g *MemGateway) PutCollection(c *model.Collection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collections[c.ID] = c
	g.webhooksByCol[c.ID] = c.Webhooks
	for _, w := range c.Webhooks {
		if w.ID == "" {
			w.ID = uuid.NewString()
		}
		g.webhooksByID[w.ID] = w
	}
}

func (g *MemGateway) PutRun(r *model.CollectionRun) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs[r.ID] = r
}

func (g *MemGateway) FindDueJobs(_ context.Context, now time.Time, limit int) ([]*model.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var due []*model.Job
	for _, j := range g.jobs {
		if j.Enabled && j.NextFireAt != nil && !j.NextFireAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].ID < due[k].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (g *MemGateway) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[jobID]
	if !ok {
		return nil, apperrors.ErrJobNotFound
	}
	return j, nil
}

func (g *MemGateway) TryRowLock(_ context.Context, jobID string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rowLocks[jobID] {
		return nil, false, nil
	}
	g.rowLocks[jobID] = true
	release := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.rowLocks, jobID)
	}
	return release, true, nil
}

func (g *MemGateway) AdvanceJob(_ context.Context, jobID string, lastFireAt, nextFireAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[jobID]
	if !ok {
		return apperrors.ErrJobNotFound
	}
	last := lastFireAt
	next := nextFireAt
	j.LastFireAt = &last
	j.NextFireAt = &next
	return nil
}

func (g *MemGateway) GetWebhookForJob(_ context.Context, jobID string) (*model.Webhook, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.webhooksByJob[jobID]
	if !ok {
		return nil, apperrors.ErrWebhookNotFound
	}
	return w, nil
}

func (g *MemGateway) GetWebhook(_ context.Context, webhookID string) (*model.Webhook, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.webhooksByID[webhookID]
	if !ok {
		return nil, apperrors.ErrWebhookNotFound
	}
	return w, nil
}

func (g *MemGateway) InsertExecution(_ context.Context, exec *model.JobExecution) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	g.executions[exec.ID] = exec
	return nil
}

func (g *MemGateway) GetExecution(_ context.Context, executionID string) (*model.JobExecution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.executions[executionID]
	if !ok {
		return nil, apperrors.ErrExecutionNotFound
	}
	return e, nil
}

func (g *MemGateway) UpdateExecution(_ context.Context, exec *model.JobExecution) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.executions[exec.ID]; !ok {
		return apperrors.ErrExecutionNotFound
	}
	g.executions[exec.ID] = exec
	return nil
}

func (g *MemGateway) FindOrCreateAccount(_ context.Context, userID, name string) (*model.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := userID + "\x00" + name
	if id, ok := g.accountByKey[key]; ok {
		return g.accounts[id], nil
	}
	a := &model.Account{ID: uuid.NewString(), UserID: userID, Name: name, Created: time.Now()}
	g.accounts[a.ID] = a
	g.accountByKey[key] = a.ID
	return a, nil
}

func (g *MemGateway) GetAccount(_ context.Context, accountID string) (*model.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.accounts[accountID]
	if !ok {
		return nil, apperrors.ErrAccountNotFound
	}
	return a, nil
}

func (g *MemGateway) GetSubscriptionForAccount(_ context.Context, accountID string) (*model.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.subscriptions[accountID]
	if !ok {
		return nil, apperrors.ErrAccountNotFound
	}
	return s, nil
}

// CascadeDeleteAccount deletes the account and every row it owns,
// transitively, matching the ownership rules in spec.md §3.
func (g *MemGateway) CascadeDeleteAccount(_ context.Context, accountID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.accounts, accountID)
	delete(g.subscriptions, accountID)
	for key, id := range g.accountByKey {
		if id == accountID {
			delete(g.accountByKey, key)
		}
	}
	for jobID, j := range g.jobs {
		if j.AccountID != accountID {
			continue
		}
		if w, ok := g.webhooksByJob[jobID]; ok {
			delete(g.webhooksByID, w.ID)
		}
		delete(g.jobs, jobID)
		delete(g.webhooksByJob, jobID)
		for execID, e := range g.executions {
			if e.JobID == jobID {
				delete(g.executions, execID)
			}
		}
	}
	for colID, c := range g.collections {
		if c.AccountID != accountID {
			continue
		}
		for _, w := range g.webhooksByCol[colID] {
			delete(g.webhooksByID, w.ID)
		}
		delete(g.collections, colID)
		delete(g.webhooksByCol, colID)
		for runID, r := range g.runs {
			if r.CollectionID != colID {
				continue
			}
			delete(g.runs, runID)
			if report, ok := g.reportsByRun[runID]; ok {
				delete(g.results, report.ID)
				delete(g.reportsByRun, runID)
			}
		}
	}
	return nil
}

func (g *MemGateway) CountLive(_ context.Context, kind string, accountID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	switch kind {
	case KindJob:
		for _, j := range g.jobs {
			if j.AccountID == accountID {
				n++
			}
		}
	case KindURL:
		for _, c := range g.collections {
			if c.AccountID == accountID {
				n += len(c.Webhooks)
			}
		}
		for _, w := range g.webhooksByJob {
			if w.JobID != nil {
				if j, ok := g.jobs[*w.JobID]; ok && j.AccountID == accountID {
					n++
				}
			}
		}
	}
	return n, nil
}

func (g *MemGateway) GetCollection(_ context.Context, collectionID string) (*model.Collection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.collections[collectionID]
	if !ok {
		return nil, apperrors.ErrCollectionNotFound
	}
	webhooks := append([]*model.Webhook(nil), g.webhooksByCol[collectionID]...)
	sortWebhooksForRun(webhooks)
	out := *c
	out.Webhooks = webhooks
	return &out, nil
}

// sortWebhooksForRun sorts by (ExecutionOrder ASC, ID ASC); nil order
// sorts last, per spec.md §4.G step 2.
func sortWebhooksForRun(webhooks []*model.Webhook) {
	sort.SliceStable(webhooks, func(i, k int) bool {
		oi, ok := webhooks[i].ExecutionOrder, webhooks[k].ExecutionOrder
		switch {
		case oi == nil && ok == nil:
			return webhooks[i].ID < webhooks[k].ID
		case oi == nil:
			return false
		case ok == nil:
			return true
		case *oi != *ok:
			return *oi < *ok
		default:
			return webhooks[i].ID < webhooks[k].ID
		}
	})
}

func (g *MemGateway) GetRun(_ context.Context, runID string) (*model.CollectionRun, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[runID]
	if !ok {
		return nil, apperrors.ErrRunNotFound
	}
	return r, nil
}

func (g *MemGateway) UpdateRun(_ context.Context, run *model.CollectionRun) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.runs[run.ID]; !ok {
		return apperrors.ErrRunNotFound
	}
	g.runs[run.ID] = run
	return nil
}

func (g *MemGateway) CreateReport(_ context.Context, report *model.CollectionReport) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	g.reportsByRun[report.RunID] = report
	return nil
}

func (g *MemGateway) UpdateReport(_ context.Context, report *model.CollectionReport) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reportsByRun[report.RunID] = report
	return nil
}

func (g *MemGateway) AppendResult(_ context.Context, result *model.CollectionResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}
	g.results[result.ReportID] = append(g.results[result.ReportID], result)
	return nil
}

func (g *MemGateway) ListResults(_ context.Context, reportID string) ([]*model.CollectionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*model.CollectionResult(nil), g.results[reportID]...), nil
}

func (g *MemGateway) GetReportForRun(_ context.Context, runID string) (*model.CollectionReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.reportsByRun[runID]
	if !ok {
		return nil, apperrors.ErrRunNotFound
	}
	return r, nil
}

func (g *MemGateway) PurgeRunArtifacts(_ context.Context, runID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if report, ok := g.reportsByRun[runID]; ok {
		delete(g.results, report.ID)
		delete(g.reportsByRun, runID)
	}
	return nil
}
