package reset

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/meterline/meterline/internal/config"
)

var Module = fx.Module("reset",
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, worker *Worker) {
	if !cfg.ResetWorkerEnabled {
		log.Info("reset worker disabled by config")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go worker.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
