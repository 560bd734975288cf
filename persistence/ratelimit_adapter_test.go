package persistence

import (
	"context"
	"testing"

	"oss.nandlabs.io/hookforge/model"
)

func TestGatewayTierResolver_TierForWebhook_WalksJobAndAccount(t *testing.T) {
	g := NewMemGateway()
	ctx := context.Background()

	g.PutAccount(&model.Account{ID: "acct-1", UserID: "u1", Name: "default"})
	g.PutSubscription(&model.Subscription{AccountID: "acct-1", PlanID: "pro-monthly"})
	jobID := "job-1"
	g.PutJob(&model.Job{ID: jobID, AccountID: "acct-1", Enabled: true})
	g.PutWebhookForJob(&model.Webhook{ID: "wh-1", JobID: &jobID})

	resolver := GatewayTierResolver{Gateway: g}
	tier, err := resolver.TierForWebhook(ctx, "wh-1")
	if err != nil {
		t.Fatalf("TierForWebhook: %v", err)
	}
	if tier != model.TierPro {
		t.Errorf("tier = %s, want pro", tier)
	}

	if _, err := resolver.TierForWebhook(ctx, jobID); err == nil {
		t.Error("resolving by job id instead of webhook id must not silently succeed")
	}
}
