package persistence

import (
	"context"

	"oss.nandlabs.io/hookforge/model"
	"oss.nandlabs.io/hookforge/ratelimit"
)

// GatewayTierResolver adapts a Gateway into ratelimit.TierResolver, walking
// webhook -> job -> account -> subscription to find the tier governing a
// webhook's rate limit key (rl:webhook:<id> per spec.md §6).
type GatewayTierResolver struct {
	Gateway Gateway
}

func (r GatewayTierResolver) TierForWebhook(ctx context.Context, webhookID string) (model.Tier, error) {
	webhook, err := r.Gateway.GetWebhook(ctx, webhookID)
	if err != nil {
		return "", err
	}
	if webhook.JobID == nil {
		return model.TierFree, nil
	}
	job, err := r.Gateway.GetJob(ctx, *webhook.JobID)
	if err != nil {
		return "", err
	}
	return r.TierForAccount(ctx, job.AccountID)
}

func (r GatewayTierResolver) TierForAccount(ctx context.Context, accountID string) (model.Tier, error) {
	sub, err := r.Gateway.GetSubscriptionForAccount(ctx, accountID)
	if err != nil {
		return model.TierFree, err
	}
	return sub.Tier(), nil
}

// GatewayCountResolver adapts a Gateway into ratelimit.CountResolver.
type GatewayCountResolver struct {
	Gateway Gateway
}

func (r GatewayCountResolver) CountLive(ctx context.Context, kind ratelimit.CreationKind, accountID string) (int, error) {
	return r.Gateway.CountLive(ctx, string(kind), accountID)
}
