package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the ledger's storage port. Consume and Restore calls are
// single conditional statements; the boolean result is false when the guard
// in the WHERE clause no longer held.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, ent *Entitlement) (bool, error)
	FindByAccountID(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*Entitlement, error)
	FindByCustomerRef(ctx context.Context, db *gorm.DB, customerRef string) (*Entitlement, error)

	ConsumeMonthly(ctx context.Context, db *gorm.DB, accountID snowflake.ID, action ActionType, limit int, now time.Time) (bool, error)
	ConsumeCredit(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (bool, error)

	InsertRefund(ctx context.Context, db *gorm.DB, refund *CreditRefund) error
	RestoreMonthly(ctx context.Context, db *gorm.DB, accountID snowflake.ID, action ActionType) (bool, error)
	RestoreCredit(ctx context.Context, db *gorm.DB, accountID snowflake.ID) error

	AddCredits(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int, eventType string, occurredAt time.Time) error
	SetCustomerRef(ctx context.Context, db *gorm.DB, accountID snowflake.ID, customerRef string) error
	ApplySubscriptionStart(ctx context.Context, db *gorm.DB, accountID snowflake.ID, customerRef, subscriptionRef string, status SubscriptionStatus, periodEnd *time.Time, eventType string, occurredAt time.Time) error
	ApplyInvoicePaid(ctx context.Context, db *gorm.DB, accountID snowflake.ID, periodEnd time.Time, eventType string, occurredAt time.Time) error
	ApplySubscriptionState(ctx context.Context, db *gorm.DB, accountID snowflake.ID, status SubscriptionStatus, periodEnd *time.Time, eventType string, occurredAt time.Time) error
	ApplySubscriptionDeleted(ctx context.Context, db *gorm.DB, accountID snowflake.ID, eventType string, occurredAt time.Time) error
}
