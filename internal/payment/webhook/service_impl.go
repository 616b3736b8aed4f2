package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/payment/adapters"
	paymentdomain "github.com/storyloom/storyloom/internal/payment/domain"
	paymentservice "github.com/storyloom/storyloom/internal/payment/service"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc *paymentservice.Service
	Adapters   *adapters.Registry
	Cfg        config.Config
}

type Service struct {
	log        *zap.Logger
	paymentSvc *paymentservice.Service
	adapters   *adapters.Registry
	secrets    map[string]string
}

func NewService(p Params) paymentdomain.IngestService {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		paymentSvc: p.PaymentSvc,
		adapters:   p.Adapters,
		secrets: map[string]string{
			"stripe": strings.TrimSpace(p.Cfg.StripeWebhookSecret),
		},
	}
}

// IngestWebhook verifies the delivery against the provider's shared secret,
// normalizes it and hands it to the reconciler. Signature failures surface
// as errors so the transport can reject them; everything downstream is an
// outcome the gateway should not retry.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.ProcessOutcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", paymentdomain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return "", paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return "", paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.adapters.NewAdapter(provider, paymentdomain.AdapterConfig{
		WebhookSecret: s.secrets[provider],
	})
	if err != nil {
		return "", err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("payment.webhook.rejected", zap.String("provider", provider), zap.Error(err))
		return "", err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			return paymentdomain.OutcomeIgnored, nil
		}
		return "", err
	}

	return s.paymentSvc.ProcessEvent(ctx, event, payload)
}
