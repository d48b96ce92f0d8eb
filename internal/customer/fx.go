package customer

import (
	"go.uber.org/fx"

	"github.com/meterline/meterline/internal/customer/repository"
	"github.com/meterline/meterline/internal/customer/service"
)

var Module = fx.Module("customer",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
