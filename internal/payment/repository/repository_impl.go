package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/storyloom/storyloom/internal/payment/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, account_id, customer_ref,
			payload, status, failure_reason, received_at, processed_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, provider_event_id, event_type, account_id, customer_ref,
			payload, status, failure_reason, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.AccountID,
		event.CustomerRef,
		event.Payload,
		event.Status,
		event.FailureReason,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateEventStatus finishes an event row only if no concurrent delivery
// finished it first. RowsAffected 0 means the row already carries a final
// processed_at and the caller's mutation must roll back.
func (r *repo) UpdateEventStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.EventStatus, failureReason *string, processedAt *time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET status = ?, failure_reason = ?, processed_at = ?
		 WHERE id = ? AND processed_at IS NULL`,
		status,
		failureReason,
		processedAt,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ResolveEventAccount(ctx context.Context, db *gorm.DB, id snowflake.ID, accountID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET account_id = ?
		 WHERE id = ?`,
		accountID,
		id,
	).Error
}

// ListEvents pages stored events newest first, keyed by (received_at, id)
// so entries sharing a timestamp do not repeat across pages.
func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, status domain.EventStatus, cursorAt *time.Time, cursorID snowflake.ID, limit int) ([]*domain.EventRecord, error) {
	query := `SELECT id, provider, provider_event_id, event_type, account_id, customer_ref,
			payload, status, failure_reason, received_at, processed_at
		 FROM payment_events`
	args := []interface{}{}
	where := []string{}

	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if cursorAt != nil {
		where = append(where, "(received_at < ? OR (received_at = ? AND id < ?))")
		args = append(args, *cursorAt, *cursorAt, cursorID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var items []*domain.EventRecord
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
