package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/storyloom/storyloom/internal/entitlement/domain"
)

func strptr(s string) *string { return &s }

func TestEvaluatePrefersMonthlyOverCredits(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	periodEnd := now.Add(10 * 24 * time.Hour)

	ent := domain.Entitlement{
		Status:           domain.SubscriptionStatusActive,
		CurrentPeriodEnd: &periodEnd,
		NarrationUsed:    5,
		CreditBalance:    40,
	}

	decision := domain.Evaluate(ent, domain.ActionNarration, 20, now)
	assert.True(t, decision.Allow)
	assert.Equal(t, domain.SourceMonthly, decision.Source)
	assert.Equal(t, 14, decision.Remaining)
}

func TestEvaluateFallsBackToCreditsWhenAllowanceExhausted(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	periodEnd := now.Add(24 * time.Hour)

	ent := domain.Entitlement{
		Status:           domain.SubscriptionStatusActive,
		CurrentPeriodEnd: &periodEnd,
		StoryUsed:        10,
		CreditBalance:    3,
	}

	decision := domain.Evaluate(ent, domain.ActionStory, 10, now)
	assert.True(t, decision.Allow)
	assert.Equal(t, domain.SourcePurchased, decision.Source)
	assert.Equal(t, 2, decision.Remaining)
}

func TestEvaluateElapsedPeriodBlocksMonthlyTier(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	periodEnd := now.Add(-time.Minute)

	ent := domain.Entitlement{
		Status:           domain.SubscriptionStatusActive,
		CustomerRef:      strptr("cus_123"),
		CurrentPeriodEnd: &periodEnd,
		NarrationUsed:    0,
	}

	decision := domain.Evaluate(ent, domain.ActionNarration, 20, now)
	assert.False(t, decision.Allow)
	assert.Equal(t, domain.ReasonInsufficientCredits, decision.Reason)

	// Credits remain spendable while the invoice is pending.
	ent.CreditBalance = 1
	decision = domain.Evaluate(ent, domain.ActionNarration, 20, now)
	assert.True(t, decision.Allow)
	assert.Equal(t, domain.SourcePurchased, decision.Source)
}

func TestEvaluateDenyReasons(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	liveEnd := now.Add(time.Hour)

	cases := []struct {
		name   string
		ent    domain.Entitlement
		reason domain.DecisionReason
	}{
		{
			name:   "never subscribed",
			ent:    domain.Entitlement{Status: domain.SubscriptionStatusNone},
			reason: domain.ReasonSubscriptionRequired,
		},
		{
			name: "active but pools empty",
			ent: domain.Entitlement{
				Status:           domain.SubscriptionStatusActive,
				CurrentPeriodEnd: &liveEnd,
				NarrationUsed:    20,
			},
			reason: domain.ReasonQuotaExhausted,
		},
		{
			name: "canceled purchaser out of credits",
			ent: domain.Entitlement{
				Status:      domain.SubscriptionStatusCanceled,
				CustomerRef: strptr("cus_456"),
			},
			reason: domain.ReasonInsufficientCredits,
		},
		{
			name: "past due without credits",
			ent: domain.Entitlement{
				Status:           domain.SubscriptionStatusPastDue,
				CustomerRef:      strptr("cus_789"),
				CurrentPeriodEnd: &liveEnd,
			},
			reason: domain.ReasonInsufficientCredits,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := domain.Evaluate(tc.ent, domain.ActionNarration, 20, now)
			assert.False(t, decision.Allow)
			assert.Equal(t, tc.reason, decision.Reason)
		})
	}
}

func TestEvaluateTrialingCountsAsSubscribed(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	periodEnd := now.Add(7 * 24 * time.Hour)

	ent := domain.Entitlement{
		Status:           domain.SubscriptionStatusTrialing,
		CurrentPeriodEnd: &periodEnd,
	}

	decision := domain.Evaluate(ent, domain.ActionStory, 10, now)
	assert.True(t, decision.Allow)
	assert.Equal(t, domain.SourceMonthly, decision.Source)
}

func TestEvaluateZeroLimitSkipsMonthlyTier(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	periodEnd := now.Add(time.Hour)

	ent := domain.Entitlement{
		Status:           domain.SubscriptionStatusActive,
		CurrentPeriodEnd: &periodEnd,
		CreditBalance:    1,
	}

	decision := domain.Evaluate(ent, domain.ActionNarration, 0, now)
	assert.True(t, decision.Allow)
	assert.Equal(t, domain.SourcePurchased, decision.Source)
}

func TestEvaluateCancelingRetainsMonthlyUntilPeriodEnd(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	periodEnd := now.Add(48 * time.Hour)

	ent := domain.Entitlement{
		Status:           domain.SubscriptionStatusCanceling,
		CustomerRef:      strptr("cus_321"),
		CurrentPeriodEnd: &periodEnd,
		NarrationUsed:    3,
	}

	decision := domain.Evaluate(ent, domain.ActionNarration, 20, now)
	assert.True(t, decision.Allow)
	assert.Equal(t, domain.SourceMonthly, decision.Source)

	ent.CurrentPeriodEnd = &now
	decision = domain.Evaluate(ent, domain.ActionNarration, 20, now)
	assert.False(t, decision.Allow)
	assert.Equal(t, domain.ReasonInsufficientCredits, decision.Reason)
}
