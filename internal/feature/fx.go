package feature

import (
	"github.com/meterline/meterline/internal/feature/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("feature",
	fx.Provide(repository.Provide),
)
