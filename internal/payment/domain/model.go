// Package domain defines the canonical payment gateway event and the
// reconciliation ports. Adapters normalize provider payloads into
// PaymentEvent; the service folds events into the entitlement ledger
// exactly once.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	entitlementdomain "github.com/storyloom/storyloom/internal/entitlement/domain"
)

// EventStatus is the terminal disposition of a stored gateway event.
type EventStatus string

const (
	EventStatusReceived   EventStatus = "received"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusStale      EventStatus = "stale"
	EventStatusUnresolved EventStatus = "unresolved"
	EventStatusDeadLetter EventStatus = "dead_letter"
)

// EventRecord is one delivery from the gateway. The unique index on
// (provider, provider_event_id) is the idempotency store: a redelivered
// event collides here instead of mutating the ledger twice.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	AccountID       *snowflake.ID  `json:"account_id,omitempty" gorm:"index"`
	CustomerRef     string         `json:"customer_ref" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Status          EventStatus    `json:"status" gorm:"type:text"`
	FailureReason   *string        `json:"failure_reason,omitempty" gorm:"type:text"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

// Canonical event types, provider payloads are mapped onto these.
const (
	EventTypeCheckoutSubscriptionCompleted = "checkout_subscription_completed"
	EventTypeCheckoutCreditsCompleted      = "checkout_credits_completed"
	EventTypeInvoicePaid                   = "invoice_paid"
	EventTypeSubscriptionUpdated           = "subscription_updated"
	EventTypeSubscriptionDeleted           = "subscription_deleted"
)

// PaymentEvent is the canonical gateway event parsed by adapters.
type PaymentEvent struct {
	Provider         string
	ProviderEventID  string
	Type             string
	AccountID        snowflake.ID
	CustomerRef      string
	SubscriptionRef  string
	Status           entitlementdomain.SubscriptionStatus
	CurrentPeriodEnd *time.Time
	ItemCode         string
	OccurredAt       time.Time
	RawPayload       []byte
}
