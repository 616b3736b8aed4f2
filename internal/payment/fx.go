package payment

import (
	"go.uber.org/fx"

	"github.com/storyloom/storyloom/internal/clock"
	"github.com/storyloom/storyloom/internal/payment/adapters"
	"github.com/storyloom/storyloom/internal/payment/adapters/stripe"
	"github.com/storyloom/storyloom/internal/payment/domain"
	"github.com/storyloom/storyloom/internal/payment/repository"
	paymentservice "github.com/storyloom/storyloom/internal/payment/service"
	"github.com/storyloom/storyloom/internal/payment/webhook"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(clk clock.Clock) *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(clk),
		)
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(func(s *paymentservice.Service) domain.Service { return s }),
	fx.Provide(webhook.NewService),
)
