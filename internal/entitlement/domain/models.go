// Package domain contains the entitlement record and the pure decision logic
// that gates premium actions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus mirrors the payment gateway's subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionStatusNone      SubscriptionStatus = "none"
	SubscriptionStatusTrialing  SubscriptionStatus = "trialing"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCanceling SubscriptionStatus = "canceling"
	SubscriptionStatusCanceled  SubscriptionStatus = "canceled"
)

// ActionType identifies a metered premium action.
type ActionType string

const (
	ActionNarration ActionType = "narration"
	ActionStory     ActionType = "story"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionNarration, ActionStory:
		return true
	default:
		return false
	}
}

// ConsumptionSource names the quota pool a decision draws from.
type ConsumptionSource string

const (
	SourceMonthly   ConsumptionSource = "monthly"
	SourcePurchased ConsumptionSource = "purchased"
	SourceNone      ConsumptionSource = "none"
)

// DecisionReason is the coarse, caller-facing denial reason.
type DecisionReason string

const (
	ReasonSubscriptionRequired DecisionReason = "subscription_required"
	ReasonQuotaExhausted       DecisionReason = "quota_exhausted"
	ReasonInsufficientCredits  DecisionReason = "insufficient_credits"
	ReasonTransient            DecisionReason = "transient_error"
)

// Decision is the outcome of evaluating one premium-action request.
type Decision struct {
	Allow     bool              `json:"allow"`
	Source    ConsumptionSource `json:"source"`
	Reason    DecisionReason    `json:"reason,omitempty"`
	Remaining int               `json:"remaining"`
}

// Entitlement is the per-account ledger record. It is mutated only through
// the conditional updates in the repository or the event reconciler.
type Entitlement struct {
	AccountID        snowflake.ID       `json:"account_id" gorm:"primaryKey"`
	Status           SubscriptionStatus `json:"status" gorm:"type:text;not null;default:none"`
	CustomerRef      *string            `json:"customer_ref,omitempty" gorm:"type:text;uniqueIndex"`
	SubscriptionRef  *string            `json:"subscription_ref,omitempty" gorm:"type:text"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty"`
	NarrationUsed    int                `json:"narration_used" gorm:"not null;default:0"`
	StoryUsed        int                `json:"story_used" gorm:"not null;default:0"`
	CreditBalance    int                `json:"credit_balance" gorm:"not null;default:0"`
	LastEventType    *string            `json:"-" gorm:"type:text"`
	LastEventAt      *time.Time         `json:"-"`
	Metadata         datatypes.JSONMap  `json:"-" gorm:"type:jsonb"`
	CreatedAt        time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time          `json:"updated_at" gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

// MonthlyUsed returns the counter for an action type.
func (e Entitlement) MonthlyUsed(action ActionType) int {
	switch action {
	case ActionNarration:
		return e.NarrationUsed
	case ActionStory:
		return e.StoryUsed
	default:
		return 0
	}
}

// SubscriptionEligible reports whether the monthly tier can be drawn from
// right now. An elapsed period end makes the monthly source unavailable until
// the gateway's invoice event advances the boundary; the evaluator never
// fabricates a new one.
func (e Entitlement) SubscriptionEligible(now time.Time) bool {
	switch e.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusCanceling:
	default:
		return false
	}
	if e.CurrentPeriodEnd == nil {
		return false
	}
	return e.CurrentPeriodEnd.After(now)
}

// CreditRefund records one applied compensation, keyed by the caller's
// request id so redelivered refunds are absorbed.
type CreditRefund struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	AccountID  snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_credit_refunds_account_request,priority:1"`
	RequestID  string            `gorm:"type:text;not null;uniqueIndex:ux_credit_refunds_account_request,priority:2"`
	ActionType ActionType        `gorm:"type:text;not null"`
	Source     ConsumptionSource `gorm:"type:text;not null"`
	CreatedAt  time.Time         `gorm:"not null"`
}

func (CreditRefund) TableName() string { return "credit_refunds" }
