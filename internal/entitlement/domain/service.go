package domain

import (
	"context"
	"errors"
)

var (
	ErrInvalidAccountID  = errors.New("invalid_account_id")
	ErrInvalidActionType = errors.New("invalid_action_type")
	ErrInvalidSource     = errors.New("invalid_source")
	ErrInvalidRequestID  = errors.New("invalid_request_id")
	ErrAccountNotFound   = errors.New("account_not_found")

	// ErrConsumeConflict signals that the conditional consume matched zero
	// rows because the ledger moved underneath the evaluation.
	ErrConsumeConflict = errors.New("consume_conflict")
)

type AuthorizeRequest struct {
	AccountID  string     `json:"account_id" binding:"required"`
	ActionType ActionType `json:"action_type" binding:"required"`
}

type RefundRequest struct {
	AccountID  string            `json:"-"`
	ActionType ActionType        `json:"action_type" binding:"required"`
	Source     ConsumptionSource `json:"source" binding:"required"`
	RequestID  string            `json:"request_id" binding:"required"`
}

// RefundResult reports whether this delivery restored a unit or hit an
// already-recorded request id.
type RefundResult struct {
	Applied   bool `json:"applied"`
	Duplicate bool `json:"duplicate"`
}

type Service interface {
	// Authorize atomically decides and consumes. Any failure to decide
	// within the budget comes back as a deny with ReasonTransient.
	Authorize(ctx context.Context, req AuthorizeRequest) (Decision, error)
	GetEntitlement(ctx context.Context, accountID string) (*Entitlement, error)
	EnsureAccount(ctx context.Context, accountID string) (*Entitlement, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}
