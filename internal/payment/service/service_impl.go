package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/storyloom/storyloom/internal/clock"
	"github.com/storyloom/storyloom/internal/config"
	entitlementdomain "github.com/storyloom/storyloom/internal/entitlement/domain"
	obsmetrics "github.com/storyloom/storyloom/internal/observability/metrics"
	paymentdomain "github.com/storyloom/storyloom/internal/payment/domain"
	"github.com/storyloom/storyloom/pkg/db/pagination"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Repo            paymentdomain.Repository
	EntitlementRepo entitlementdomain.Repository
	Limits          *config.EntitlementConfigHolder
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            paymentdomain.Repository
	entitlementRepo entitlementdomain.Repository
	limits          *config.EntitlementConfigHolder
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		entitlementRepo: p.EntitlementRepo,
		limits:          p.Limits,
		obsMetrics:      p.ObsMetrics,
	}
}

var _ paymentdomain.Service = (*Service)(nil)

// ProcessEvent folds one canonical gateway event into the entitlement
// ledger. The stored event row doubles as the idempotency key: a delivery
// that collides with an already-processed row is acknowledged untouched,
// while a collision with an unfinished row resumes it.
func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent, payload []byte) (paymentdomain.ProcessOutcome, error) {
	if event == nil {
		return "", paymentdomain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.Provider == "" {
		return "", paymentdomain.ErrInvalidProvider
	}
	if !json.Valid(payload) {
		return "", paymentdomain.ErrInvalidPayload
	}
	if err := validateEvent(event); err != nil {
		return "", err
	}

	now := s.clock.Now().UTC()
	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		CustomerRef:     event.CustomerRef,
		Payload:         datatypes.JSON(payload),
		Status:          paymentdomain.EventStatusReceived,
		ReceivedAt:      now,
	}
	if event.AccountID != 0 {
		accountID := event.AccountID
		received.AccountID = &accountID
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return "", err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return "", err
		}
		if stored == nil {
			return "", paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return paymentdomain.OutcomeDuplicate, nil
		}
	}

	outcome, err := s.reconcile(ctx, stored, event, now)
	if err != nil {
		return "", err
	}

	s.log.Info("payment.event",
		zap.String("provider", event.Provider),
		zap.String("event_type", event.Type),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("outcome", string(outcome)),
	)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, event.Type, string(outcome))
	}
	return outcome, nil
}

func validateEvent(event *paymentdomain.PaymentEvent) error {
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.ProviderEventID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	event.Type = strings.TrimSpace(event.Type)
	event.CustomerRef = strings.TrimSpace(event.CustomerRef)
	event.SubscriptionRef = strings.TrimSpace(event.SubscriptionRef)
	if event.OccurredAt.IsZero() {
		return paymentdomain.ErrInvalidEvent
	}

	switch event.Type {
	case paymentdomain.EventTypeCheckoutSubscriptionCompleted:
		if event.CustomerRef == "" || event.SubscriptionRef == "" {
			return paymentdomain.ErrInvalidEvent
		}
	case paymentdomain.EventTypeCheckoutCreditsCompleted:
		if event.CustomerRef == "" || strings.TrimSpace(event.ItemCode) == "" {
			return paymentdomain.ErrInvalidEvent
		}
	case paymentdomain.EventTypeInvoicePaid:
		if event.CustomerRef == "" || event.CurrentPeriodEnd == nil {
			return paymentdomain.ErrInvalidEvent
		}
	case paymentdomain.EventTypeSubscriptionUpdated, paymentdomain.EventTypeSubscriptionDeleted:
		if event.CustomerRef == "" || event.SubscriptionRef == "" {
			return paymentdomain.ErrInvalidEvent
		}
	default:
		return paymentdomain.ErrInvalidEvent
	}
	return nil
}

// errEventFinishedElsewhere aborts a reconcile whose finishing write lost
// to a concurrent delivery of the same event, rolling the mutation back.
var errEventFinishedElsewhere = errors.New("event_finished_elsewhere")

// reconcile resolves the target ledger row and applies the event's mutation
// in one transaction, so a crash between the two leaves the event row
// unfinished rather than half-applied. The finishing status write doubles as
// the commit gate: if a concurrent delivery of the same event finished the
// row first, this transaction rolls back and reports a duplicate.
func (s *Service) reconcile(ctx context.Context, stored *paymentdomain.EventRecord, event *paymentdomain.PaymentEvent, now time.Time) (paymentdomain.ProcessOutcome, error) {
	var outcome paymentdomain.ProcessOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ent, err := s.resolveAccount(ctx, tx, event, now)
		if err != nil {
			return err
		}
		if ent == nil {
			outcome = paymentdomain.OutcomeUnresolved
			reason := "account_not_found"
			return s.finishEvent(ctx, tx, stored.ID, paymentdomain.EventStatusUnresolved, &reason, nil)
		}
		if stored.AccountID == nil {
			if err := s.repo.ResolveEventAccount(ctx, tx, stored.ID, ent.AccountID); err != nil {
				return err
			}
		}

		if s.isStale(ent, event) {
			outcome = paymentdomain.OutcomeStale
			reason := "out_of_order_event"
			return s.finishEvent(ctx, tx, stored.ID, paymentdomain.EventStatusStale, &reason, &now)
		}

		applied, failure, err := s.apply(ctx, tx, ent, event)
		if err != nil {
			return err
		}
		if !applied {
			outcome = paymentdomain.OutcomeDeadLetter
			return s.finishEvent(ctx, tx, stored.ID, paymentdomain.EventStatusDeadLetter, &failure, &now)
		}

		outcome = paymentdomain.OutcomeApplied
		return s.finishEvent(ctx, tx, stored.ID, paymentdomain.EventStatusProcessed, nil, &now)
	})
	if errors.Is(err, errEventFinishedElsewhere) {
		return paymentdomain.OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (s *Service) finishEvent(ctx context.Context, tx *gorm.DB, id snowflake.ID, status paymentdomain.EventStatus, failureReason *string, processedAt *time.Time) error {
	finished, err := s.repo.UpdateEventStatus(ctx, tx, id, status, failureReason, processedAt)
	if err != nil {
		return err
	}
	if !finished {
		return errEventFinishedElsewhere
	}
	return nil
}

// resolveAccount maps the gateway event onto a ledger row: checkout
// metadata first, then the stored customer reference. Checkout events may
// arrive before the account's first authorization, so they create the row.
func (s *Service) resolveAccount(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent, now time.Time) (*entitlementdomain.Entitlement, error) {
	if event.AccountID != 0 {
		ent, err := s.entitlementRepo.FindByAccountID(ctx, tx, event.AccountID)
		if err != nil {
			return nil, err
		}
		if ent != nil {
			return ent, nil
		}
		if isCheckoutEvent(event.Type) {
			ent = &entitlementdomain.Entitlement{
				AccountID: event.AccountID,
				Status:    entitlementdomain.SubscriptionStatusNone,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if _, err := s.entitlementRepo.Insert(ctx, tx, ent); err != nil {
				return nil, err
			}
			return s.entitlementRepo.FindByAccountID(ctx, tx, event.AccountID)
		}
	}

	if event.CustomerRef == "" {
		return nil, nil
	}
	return s.entitlementRepo.FindByCustomerRef(ctx, tx, event.CustomerRef)
}

func isCheckoutEvent(eventType string) bool {
	return eventType == paymentdomain.EventTypeCheckoutSubscriptionCompleted ||
		eventType == paymentdomain.EventTypeCheckoutCreditsCompleted
}

// isStale rejects lifecycle and renewal events that arrive behind the
// ledger. A deleted subscription is terminal: later updates for the same
// reference, and renewal invoices for the terminated subscription, can only
// be gateway retries or reordered deliveries. Credit purchases are exempt;
// they are independent grants whose delivery order carries no meaning.
func (s *Service) isStale(ent *entitlementdomain.Entitlement, event *paymentdomain.PaymentEvent) bool {
	switch event.Type {
	case paymentdomain.EventTypeSubscriptionUpdated, paymentdomain.EventTypeSubscriptionDeleted:
		if ent.Status == entitlementdomain.SubscriptionStatusCanceled &&
			ent.SubscriptionRef != nil && *ent.SubscriptionRef == event.SubscriptionRef {
			return true
		}
	case paymentdomain.EventTypeInvoicePaid:
		if ent.Status == entitlementdomain.SubscriptionStatusCanceled {
			return true
		}
	default:
		return false
	}

	if ent.LastEventAt != nil && event.OccurredAt.Before(*ent.LastEventAt) {
		return true
	}
	return false
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, ent *entitlementdomain.Entitlement, event *paymentdomain.PaymentEvent) (bool, string, error) {
	accountID := ent.AccountID

	switch event.Type {
	case paymentdomain.EventTypeCheckoutSubscriptionCompleted:
		err := s.entitlementRepo.ApplySubscriptionStart(ctx, tx, accountID,
			event.CustomerRef, event.SubscriptionRef, event.Status, event.CurrentPeriodEnd,
			event.Type, event.OccurredAt)
		return err == nil, "", err

	case paymentdomain.EventTypeCheckoutCreditsCompleted:
		grant := s.limits.Get().CreditGrant(event.ItemCode)
		if grant <= 0 {
			return false, "unknown_credit_item", nil
		}
		if ent.CustomerRef == nil {
			if err := s.entitlementRepo.SetCustomerRef(ctx, tx, accountID, event.CustomerRef); err != nil {
				return false, "", err
			}
		}
		if err := s.entitlementRepo.AddCredits(ctx, tx, accountID, grant, event.Type, event.OccurredAt); err != nil {
			return false, "", err
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordCreditGrant(ctx, event.ItemCode, int64(grant))
		}
		return true, "", nil

	case paymentdomain.EventTypeInvoicePaid:
		err := s.entitlementRepo.ApplyInvoicePaid(ctx, tx, accountID,
			*event.CurrentPeriodEnd, event.Type, event.OccurredAt)
		return err == nil, "", err

	case paymentdomain.EventTypeSubscriptionUpdated:
		err := s.entitlementRepo.ApplySubscriptionState(ctx, tx, accountID,
			event.Status, event.CurrentPeriodEnd, event.Type, event.OccurredAt)
		return err == nil, "", err

	case paymentdomain.EventTypeSubscriptionDeleted:
		err := s.entitlementRepo.ApplySubscriptionDeleted(ctx, tx, accountID,
			event.Type, event.OccurredAt)
		return err == nil, "", err

	default:
		return false, "", paymentdomain.ErrInvalidEvent
	}
}

// ListEvents returns the stored event log, newest first. This is an
// operator surface for inspecting unresolved and dead-lettered deliveries.
func (s *Service) ListEvents(ctx context.Context, req paymentdomain.ListEventsRequest) (*paymentdomain.ListEventsResult, error) {
	switch req.Status {
	case "",
		paymentdomain.EventStatusReceived,
		paymentdomain.EventStatusProcessed,
		paymentdomain.EventStatusUnresolved,
		paymentdomain.EventStatusStale,
		paymentdomain.EventStatusDeadLetter:
	default:
		return nil, paymentdomain.ErrInvalidEvent
	}

	limit := req.PageSize
	if limit < 1 {
		limit = 10
	}
	if limit > 250 {
		limit = 250
	}

	var cursorAt *time.Time
	var cursorID snowflake.ID
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		at, err := time.Parse(time.RFC3339Nano, cursor.ReceivedAt)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		cursorAt = &at
		cursorID = id
	}

	events, err := s.repo.ListEvents(ctx, s.db, req.Status, cursorAt, cursorID, limit+1)
	if err != nil {
		return nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(events, int32(limit), func(e *paymentdomain.EventRecord) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:         e.ID.String(),
			ReceivedAt: e.ReceivedAt.UTC().Format(time.RFC3339Nano),
		})
		return token
	})
	if len(events) > limit {
		events = events[:limit]
	}

	return &paymentdomain.ListEventsResult{Events: events, PageInfo: pageInfo}, nil
}
