package entitlement

import (
	"go.uber.org/fx"

	"github.com/meterline/meterline/internal/entitlement/repository"
	"github.com/meterline/meterline/internal/entitlement/service"
)

var Module = fx.Module("entitlement",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
