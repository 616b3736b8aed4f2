package entitlement

import (
	"go.uber.org/fx"

	"github.com/storyloom/storyloom/internal/entitlement/domain"
	"github.com/storyloom/storyloom/internal/entitlement/repository"
	"github.com/storyloom/storyloom/internal/entitlement/service"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
