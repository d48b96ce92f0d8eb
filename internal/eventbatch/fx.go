package eventbatch

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("eventbatch",
	fx.Provide(NewBatcher),
	fx.Invoke(registerFinalFlush),
)

func registerFinalFlush(lc fx.Lifecycle, batcher *Batcher) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			batcher.Close(ctx)
			return nil
		},
	})
}
