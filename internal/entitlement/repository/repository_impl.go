package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/storyloom/storyloom/internal/entitlement/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// usageColumn maps an action to its counter column. Callers validate the
// action first; the default keeps a bad value out of the SQL text.
func usageColumn(action domain.ActionType) string {
	switch action {
	case domain.ActionStory:
		return "story_used"
	default:
		return "narration_used"
	}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, ent *domain.Entitlement) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO entitlements (
			account_id, status, customer_ref, subscription_ref, current_period_end,
			narration_used, story_used, credit_balance,
			last_event_type, last_event_at, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO NOTHING`,
		ent.AccountID,
		ent.Status,
		ent.CustomerRef,
		ent.SubscriptionRef,
		ent.CurrentPeriodEnd,
		ent.NarrationUsed,
		ent.StoryUsed,
		ent.CreditBalance,
		ent.LastEventType,
		ent.LastEventAt,
		ent.Metadata,
		ent.CreatedAt,
		ent.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByAccountID(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*domain.Entitlement, error) {
	var item domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, status, customer_ref, subscription_ref, current_period_end,
			narration_used, story_used, credit_balance,
			last_event_type, last_event_at, metadata, created_at, updated_at
		 FROM entitlements
		 WHERE account_id = ?
		 LIMIT 1`,
		accountID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.AccountID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByCustomerRef(ctx context.Context, db *gorm.DB, customerRef string) (*domain.Entitlement, error) {
	var item domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, status, customer_ref, subscription_ref, current_period_end,
			narration_used, story_used, credit_balance,
			last_event_type, last_event_at, metadata, created_at, updated_at
		 FROM entitlements
		 WHERE customer_ref = ?
		 LIMIT 1`,
		customerRef,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.AccountID == 0 {
		return nil, nil
	}
	return &item, nil
}

// ConsumeMonthly restates every eligibility guard in the WHERE clause so the
// increment lands only if the snapshot the caller evaluated still holds.
func (r *repo) ConsumeMonthly(ctx context.Context, db *gorm.DB, accountID snowflake.ID, action domain.ActionType, limit int, now time.Time) (bool, error) {
	col := usageColumn(action)
	res := db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET `+col+` = `+col+` + 1, updated_at = ?
		 WHERE account_id = ?
		   AND status IN (?, ?, ?)
		   AND current_period_end IS NOT NULL
		   AND current_period_end > ?
		   AND `+col+` < ?`,
		now,
		accountID,
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusTrialing,
		domain.SubscriptionStatusCanceling,
		now,
		limit,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ConsumeCredit(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET credit_balance = credit_balance - 1, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ? AND credit_balance > 0`,
		accountID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertRefund(ctx context.Context, db *gorm.DB, refund *domain.CreditRefund) error {
	return db.WithContext(ctx).Create(refund).Error
}

func (r *repo) RestoreMonthly(ctx context.Context, db *gorm.DB, accountID snowflake.ID, action domain.ActionType) (bool, error) {
	col := usageColumn(action)
	res := db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET `+col+` = `+col+` - 1, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ? AND `+col+` > 0`,
		accountID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) RestoreCredit(ctx context.Context, db *gorm.DB, accountID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET credit_balance = credit_balance + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ?`,
		accountID,
	).Error
}

func (r *repo) AddCredits(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int, eventType string, occurredAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET credit_balance = credit_balance + ?,
		     last_event_type = ?, last_event_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ?`,
		amount,
		eventType,
		occurredAt,
		accountID,
	).Error
}

func (r *repo) SetCustomerRef(ctx context.Context, db *gorm.DB, accountID snowflake.ID, customerRef string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET customer_ref = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ? AND customer_ref IS NULL`,
		customerRef,
		accountID,
	).Error
}

func (r *repo) ApplySubscriptionStart(ctx context.Context, db *gorm.DB, accountID snowflake.ID, customerRef, subscriptionRef string, status domain.SubscriptionStatus, periodEnd *time.Time, eventType string, occurredAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET status = ?, customer_ref = ?, subscription_ref = ?, current_period_end = ?,
		     narration_used = 0, story_used = 0,
		     last_event_type = ?, last_event_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ?`,
		status,
		customerRef,
		subscriptionRef,
		periodEnd,
		eventType,
		occurredAt,
		accountID,
	).Error
}

// ApplyInvoicePaid is the one place monthly counters reset. The gateway's
// paid invoice is the authoritative period boundary.
func (r *repo) ApplyInvoicePaid(ctx context.Context, db *gorm.DB, accountID snowflake.ID, periodEnd time.Time, eventType string, occurredAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET status = ?, current_period_end = ?,
		     narration_used = 0, story_used = 0,
		     last_event_type = ?, last_event_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ?`,
		domain.SubscriptionStatusActive,
		periodEnd,
		eventType,
		occurredAt,
		accountID,
	).Error
}

func (r *repo) ApplySubscriptionState(ctx context.Context, db *gorm.DB, accountID snowflake.ID, status domain.SubscriptionStatus, periodEnd *time.Time, eventType string, occurredAt time.Time) error {
	if periodEnd != nil {
		return db.WithContext(ctx).Exec(
			`UPDATE entitlements
			 SET status = ?, current_period_end = ?,
			     last_event_type = ?, last_event_at = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE account_id = ?`,
			status,
			periodEnd,
			eventType,
			occurredAt,
			accountID,
		).Error
	}
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET status = ?,
		     last_event_type = ?, last_event_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ?`,
		status,
		eventType,
		occurredAt,
		accountID,
	).Error
}

// ApplySubscriptionDeleted is terminal for the referenced subscription. The
// period end is cleared so no stale boundary can re-enable the monthly tier,
// while purchased credits stay spendable.
func (r *repo) ApplySubscriptionDeleted(ctx context.Context, db *gorm.DB, accountID snowflake.ID, eventType string, occurredAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET status = ?, current_period_end = NULL,
		     narration_used = 0, story_used = 0,
		     last_event_type = ?, last_event_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ?`,
		domain.SubscriptionStatusCanceled,
		eventType,
		occurredAt,
		accountID,
	).Error
}
