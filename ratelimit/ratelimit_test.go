package ratelimit

import (
	"context"
	"testing"

	"oss.nandlabs.io/hookforge/coordination"
	"oss.nandlabs.io/hookforge/model"
)

type fixedTierResolver struct {
	tier model.Tier
}

func (f fixedTierResolver) TierForWebhook(context.Context, string) (model.Tier, error) {
	return f.tier, nil
}

func (f fixedTierResolver) TierForAccount(context.Context, string) (model.Tier, error) {
	return f.tier, nil
}

type fixedCountResolver struct {
	count int
}

func (f fixedCountResolver) CountLive(context.Context, CreationKind, string) (int, error) {
	return f.count, nil
}

// S6 — rate-limit exhaustion: 101st execution of a free-tier webhook
// (limit 100) must be disallowed.
func TestCheckRateLimit_FreeTierExhaustion(t *testing.T) {
	store := coordination.NewMemStore()
	limiter := NewLimiter(store, fixedTierResolver{tier: model.TierFree}, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		allowed, _, _ := limiter.CheckRateLimit(ctx, "wh-1")
		if !allowed {
			t.Fatalf("execution %d unexpectedly disallowed", i+1)
		}
		if _, err := limiter.IncrementWebhookCounter(ctx, "wh-1"); err != nil {
			t.Fatalf("Increment error: %v", err)
		}
	}

	allowed, current, limit := limiter.CheckRateLimit(ctx, "wh-1")
	if allowed {
		t.Fatal("101st execution should be disallowed for free tier (limit 100)")
	}
	if current != 100 || limit != 100 {
		t.Errorf("current=%d limit=%d, want 100/100", current, limit)
	}
}

func TestCheckRateLimit_ProTierLowerLimit(t *testing.T) {
	store := coordination.NewMemStore()
	limiter := NewLimiter(store, fixedTierResolver{tier: model.TierPro}, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, _, _ := limiter.CheckRateLimit(ctx, "wh-2")
		if !allowed {
			t.Fatalf("execution %d unexpectedly disallowed", i+1)
		}
		if _, err := limiter.IncrementWebhookCounter(ctx, "wh-2"); err != nil {
			t.Fatalf("Increment error: %v", err)
		}
	}

	allowed, _, limit := limiter.CheckRateLimit(ctx, "wh-2")
	if allowed {
		t.Fatal("11th execution should be disallowed for pro tier (limit 10 per spec)")
	}
	if limit != 10 {
		t.Errorf("limit = %d, want 10", limit)
	}
}

func TestCanCreate_StaticCap(t *testing.T) {
	store := coordination.NewMemStore()
	limiter := NewLimiter(store, fixedTierResolver{tier: model.TierFree}, fixedCountResolver{count: 10})
	ctx := context.Background()

	allowed, current, limit, err := limiter.CanCreate(ctx, CreationKindJob, "acct-1")
	if err != nil {
		t.Fatalf("CanCreate error: %v", err)
	}
	if allowed {
		t.Fatal("expected creation to be disallowed at the cap")
	}
	if current != 10 || limit != 10 {
		t.Errorf("current=%d limit=%d, want 10/10", current, limit)
	}
}
