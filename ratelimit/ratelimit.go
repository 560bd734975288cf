// Package ratelimit implements the daily webhook-invocation quota and the
// static per-account creation caps, keyed by subscription tier.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"oss.nandlabs.io/hookforge/coordination"
	"oss.nandlabs.io/hookforge/l3"
	"oss.nandlabs.io/hookforge/model"
)

var logger = l3.Get()

// DailyQuotaTTL is the rolling window for the daily execution counter.
// Reset is passive: the coordination-store key simply expires.
const DailyQuotaTTL = 24 * time.Hour

// TierDailyQuota is the daily per-webhook execution limit by tier.
//
// These values are preserved literally from the source system even
// though they read as inverted from typical tier semantics (see
// SPEC_FULL.md §9, Open Questions).
var TierDailyQuota = map[model.Tier]int64{
	model.TierFree: 100,
	model.TierPro:  10,
}

// CreationKind distinguishes the two classes of static per-account cap.
type CreationKind string

const (
	CreationKindURL CreationKind = "url"
	CreationKindJob CreationKind = "job"
)

// TierCreationCap is the static per-account creation cap by kind and tier.
var TierCreationCap = map[CreationKind]map[model.Tier]int{
	CreationKindURL: {model.TierFree: 10, model.TierPro: 10},
	CreationKindJob: {model.TierFree: 10, model.TierPro: 100},
}

// TierResolver looks up the Tier that governs a given webhook or account.
// The scheduler/worker composition root supplies an implementation backed
// by the persistence gateway (webhook -> job -> account -> subscription).
type TierResolver interface {
	TierForWebhook(ctx context.Context, webhookID string) (model.Tier, error)
	TierForAccount(ctx context.Context, accountID string) (model.Tier, error)
}

// CountResolver counts live rows of a given kind for an account, to
// evaluate static creation caps.
type CountResolver interface {
	CountLive(ctx context.Context, kind CreationKind, accountID string) (int, error)
}

// Limiter implements the daily execution quota and static creation caps
// from spec.md §4.B.
type Limiter struct {
	store    coordination.Store
	tiers    TierResolver
	counts   CountResolver
	// sentinelLimit is returned by CheckRateLimit when the coordination
	// store is unavailable: the limiter fails open rather than blocking
	// execution on an infra outage.
	sentinelLimit int64
}

// NewLimiter constructs a Limiter.
func NewLimiter(store coordination.Store, tiers TierResolver, counts CountResolver) *Limiter {
	return &Limiter{store: store, tiers: tiers, counts: counts, sentinelLimit: -1}
}

func webhookCounterKey(webhookID string) string {
	return fmt.Sprintf("rl:webhook:%s", webhookID)
}

// CheckRateLimit reads the current daily-invocation counter for webhookID
// and compares it against the tier's daily quota. It never errors: if the
// coordination store is unreachable it returns allowed with a sentinel
// limit (fail-open), matching spec.md's transient-infra policy.
func (l *Limiter) CheckRateLimit(ctx context.Context, webhookID string) (allowed bool, current, limit int64) {
	tier, err := l.tiers.TierForWebhook(ctx, webhookID)
	if err != nil {
		logger.WarnF("ratelimit: could not resolve tier for webhook %s, failing open: %v", webhookID, err)
		return true, 0, l.sentinelLimit
	}
	limit = TierDailyQuota[tier]

	val, ok, err := l.store.Get(ctx, webhookCounterKey(webhookID))
	if err != nil {
		logger.WarnF("ratelimit: coordination store unavailable, failing open: %v", err)
		return true, 0, l.sentinelLimit
	}
	if !ok {
		return true, 0, limit
	}
	current, _ = strconv.ParseInt(val, 10, 64)
	return current < limit, current, limit
}

// Increment atomically increments the daily counter for key, setting the
// window TTL only on the increment that creates the key (new count == 1),
// so an existing window is never reset by a later increment.
func (l *Limiter) Increment(ctx context.Context, key string) (int64, error) {
	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := l.store.Expire(ctx, key, DailyQuotaTTL); err != nil {
			logger.WarnF("ratelimit: failed to set TTL on new counter %s: %v", key, err)
		}
	}
	return n, nil
}

// IncrementWebhookCounter bumps the daily counter for a webhook's
// invocations. Callers call CheckRateLimit then Increment non-atomically,
// per spec.md §4.B: an accepted small over-shoot at the limit boundary is
// by design.
func (l *Limiter) IncrementWebhookCounter(ctx context.Context, webhookID string) (int64, error) {
	return l.Increment(ctx, webhookCounterKey(webhookID))
}

// CanCreate evaluates a static per-account creation cap.
func (l *Limiter) CanCreate(ctx context.Context, kind CreationKind, accountID string) (allowed bool, current, limit int, err error) {
	tier, err := l.tiers.TierForAccount(ctx, accountID)
	if err != nil {
		return false, 0, 0, err
	}
	limit = TierCreationCap[kind][tier]
	current, err = l.counts.CountLive(ctx, kind, accountID)
	if err != nil {
		return false, 0, limit, err
	}
	return current < limit, current, limit, nil
}
