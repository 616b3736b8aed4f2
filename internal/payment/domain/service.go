package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/storyloom/storyloom/pkg/db/pagination"
)

var (
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrProviderNotFound = errors.New("provider_not_found")

	// ErrEventIgnored marks provider event types outside the reconciled
	// set. Ignored events are acknowledged without being stored.
	ErrEventIgnored = errors.New("event_ignored")
)

// ProcessOutcome tells the transport layer how an event landed. Every
// outcome except a storage failure is acknowledged to the gateway, since
// redelivery would not change the result.
type ProcessOutcome string

const (
	OutcomeApplied    ProcessOutcome = "applied"
	OutcomeDuplicate  ProcessOutcome = "duplicate"
	OutcomeStale      ProcessOutcome = "stale"
	OutcomeUnresolved ProcessOutcome = "unresolved"
	OutcomeDeadLetter ProcessOutcome = "dead_letter"
	OutcomeIgnored    ProcessOutcome = "ignored"
)

// AdapterConfig carries the per-provider webhook credentials.
type AdapterConfig struct {
	WebhookSecret string
}

// Adapter verifies and normalizes one provider's webhook deliveries.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	UpdateEventStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status EventStatus, failureReason *string, processedAt *time.Time) (bool, error)
	ResolveEventAccount(ctx context.Context, db *gorm.DB, id snowflake.ID, accountID snowflake.ID) error
	ListEvents(ctx context.Context, db *gorm.DB, status EventStatus, cursorAt *time.Time, cursorID snowflake.ID, limit int) ([]*EventRecord, error)
}

// ListEventsRequest filters the stored event log, optionally by status.
type ListEventsRequest struct {
	Status EventStatus `form:"status"`
	pagination.Pagination
}

type ListEventsResult struct {
	Events   []*EventRecord       `json:"events"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

type Service interface {
	ProcessEvent(ctx context.Context, event *PaymentEvent, payload []byte) (ProcessOutcome, error)
	ListEvents(ctx context.Context, req ListEventsRequest) (*ListEventsResult, error)
}

// IngestService is the webhook-facing surface: verify, parse, reconcile.
type IngestService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (ProcessOutcome, error)
}
