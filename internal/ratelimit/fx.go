package ratelimit

import (
	"go.uber.org/fx"

	"github.com/meterline/meterline/internal/config"
)

var Module = fx.Module("ratelimit",
	fx.Provide(NewLocker),
	fx.Provide(func(cfg config.Config, locker *Locker) *CustomerLock {
		return NewCustomerLock(locker, cfg.Worker.LockTTL)
	}),
	fx.Provide(NewTrackIngestLimiter),
)
