package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/storyloom/storyloom/internal/clock"
	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/entitlement/domain"
	obslogger "github.com/storyloom/storyloom/internal/observability/logger"
	obsmetrics "github.com/storyloom/storyloom/internal/observability/metrics"
	pkgdb "github.com/storyloom/storyloom/pkg/db"
)

// maxAuthorizeAttempts bounds the re-evaluate loop when a conditional
// consume loses a race. Past this we deny transiently rather than spin.
const maxAuthorizeAttempts = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Limits     *config.EntitlementConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	limits     *config.EntitlementConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("entitlement.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		limits:     p.Limits,
		obsMetrics: p.ObsMetrics,
	}
}

var _ domain.Service = (*Service)(nil)

func parseAccountID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, domain.ErrInvalidAccountID
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidAccountID
	}
	return snowflake.ID(id), nil
}

// Authorize evaluates the caller's ledger and consumes one unit from the
// chosen pool in the same transaction. The decision is fail closed: if the
// ledger cannot be read and written within the configured budget the caller
// gets a deny with a transient reason, never an allow on guesswork.
func (s *Service) Authorize(ctx context.Context, req domain.AuthorizeRequest) (domain.Decision, error) {
	accountID, err := parseAccountID(req.AccountID)
	if err != nil {
		return domain.Decision{}, err
	}
	if !req.ActionType.Valid() {
		return domain.Decision{}, domain.ErrInvalidActionType
	}

	ctx, cancel := context.WithTimeout(ctx, s.limits.Get().AuthorizeTimeout())
	defer cancel()

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("account_id", req.AccountID),
		zap.String("action_type", string(req.ActionType)),
	)

	var decision domain.Decision
	for attempt := 1; attempt <= maxAuthorizeAttempts; attempt++ {
		decision, err = s.authorizeOnce(ctx, accountID, req.ActionType)
		if err == nil {
			s.recordDecision(ctx, req.ActionType, decision)
			return decision, nil
		}
		if !errors.Is(err, domain.ErrConsumeConflict) {
			break
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordConsumeConflict(ctx, string(req.ActionType), "")
		}
		log.Debug("authorize.consume_conflict", zap.Int("attempt", attempt))
	}

	if errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Decision{}, err
	}

	log.Warn("authorize.fail_closed", zap.Error(err))
	decision = domain.Decision{Allow: false, Source: domain.SourceNone, Reason: domain.ReasonTransient}
	s.recordDecision(ctx, req.ActionType, decision)
	return decision, nil
}

// authorizeOnce runs one evaluate-then-consume round trip. The conditional
// update restates the evaluated guards, so a concurrent consumer makes the
// update match zero rows instead of overspending.
func (s *Service) authorizeOnce(ctx context.Context, accountID snowflake.ID, action domain.ActionType) (domain.Decision, error) {
	var decision domain.Decision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ent, err := s.repo.FindByAccountID(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if ent == nil {
			return domain.ErrAccountNotFound
		}

		now := s.clock.Now().UTC()
		limit := s.limits.Get().MonthlyAllowance(string(action))
		decision = domain.Evaluate(*ent, action, limit, now)
		if !decision.Allow {
			return nil
		}

		var consumed bool
		switch decision.Source {
		case domain.SourceMonthly:
			consumed, err = s.repo.ConsumeMonthly(ctx, tx, accountID, action, limit, now)
		case domain.SourcePurchased:
			consumed, err = s.repo.ConsumeCredit(ctx, tx, accountID)
		default:
			return domain.ErrConsumeConflict
		}
		if err != nil {
			return err
		}
		if !consumed {
			return domain.ErrConsumeConflict
		}
		return nil
	})
	if err != nil {
		return domain.Decision{}, err
	}
	return decision, nil
}

func (s *Service) recordDecision(ctx context.Context, action domain.ActionType, decision domain.Decision) {
	if s.obsMetrics == nil {
		return
	}
	reason := string(decision.Reason)
	if decision.Allow {
		reason = "allowed"
	}
	s.obsMetrics.RecordAuthorizeDecision(ctx, string(action), string(decision.Source), reason)
}

func (s *Service) GetEntitlement(ctx context.Context, rawID string) (*domain.Entitlement, error) {
	accountID, err := parseAccountID(rawID)
	if err != nil {
		return nil, err
	}
	ent, err := s.repo.FindByAccountID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, domain.ErrAccountNotFound
	}
	return ent, nil
}

// EnsureAccount registers a ledger row for a new account. Re-registration of
// an existing account is a read, never a reset.
func (s *Service) EnsureAccount(ctx context.Context, rawID string) (*domain.Entitlement, error) {
	accountID, err := parseAccountID(rawID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	ent := &domain.Entitlement{
		AccountID: accountID,
		Status:    domain.SubscriptionStatusNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inserted, err := s.repo.Insert(ctx, s.db, ent)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.log.Info("entitlement.account_created", zap.String("account_id", accountID.String()))
		return ent, nil
	}
	return s.repo.FindByAccountID(ctx, s.db, accountID)
}

// Refund restores one unit after a failed delivery of a premium action. The
// caller's request id makes redelivery a no-op; a monthly restore that finds
// the counter already at zero is absorbed too, since an intervening period
// reset already returned the unit.
func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundResult, error) {
	accountID, err := parseAccountID(req.AccountID)
	if err != nil {
		return domain.RefundResult{}, err
	}
	if !req.ActionType.Valid() {
		return domain.RefundResult{}, domain.ErrInvalidActionType
	}
	if req.Source != domain.SourceMonthly && req.Source != domain.SourcePurchased {
		return domain.RefundResult{}, domain.ErrInvalidSource
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" || len(req.RequestID) > 128 {
		return domain.RefundResult{}, domain.ErrInvalidRequestID
	}

	var result domain.RefundResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ent, err := s.repo.FindByAccountID(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if ent == nil {
			return domain.ErrAccountNotFound
		}

		if err := s.repo.InsertRefund(ctx, tx, &domain.CreditRefund{
			ID:         s.genID.Generate(),
			AccountID:  accountID,
			RequestID:  req.RequestID,
			ActionType: req.ActionType,
			Source:     req.Source,
			CreatedAt:  s.clock.Now().UTC(),
		}); err != nil {
			return err
		}

		switch req.Source {
		case domain.SourcePurchased:
			if err := s.repo.RestoreCredit(ctx, tx, accountID); err != nil {
				return err
			}
			result = domain.RefundResult{Applied: true}
		case domain.SourceMonthly:
			restored, err := s.repo.RestoreMonthly(ctx, tx, accountID, req.ActionType)
			if err != nil {
				return err
			}
			result = domain.RefundResult{Applied: restored}
		}
		return nil
	})
	if err != nil {
		// A request id collision rolls the whole restore back, which is
		// the idempotent outcome: the first delivery already applied it.
		if pkgdb.IsDuplicateKeyErr(err) {
			result = domain.RefundResult{Duplicate: true}
		} else {
			return domain.RefundResult{}, err
		}
	}

	s.log.Info("entitlement.refund",
		zap.String("account_id", accountID.String()),
		zap.String("action_type", string(req.ActionType)),
		zap.String("source", string(req.Source)),
		zap.Bool("applied", result.Applied),
		zap.Bool("duplicate", result.Duplicate),
	)
	return result, nil
}
