package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/analytics"
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/customer"
	"github.com/meterline/meterline/internal/entitlement"
	"github.com/meterline/meterline/internal/eventbatch"
	"github.com/meterline/meterline/internal/eventlog"
	"github.com/meterline/meterline/internal/feature"
	"github.com/meterline/meterline/internal/migration"
	"github.com/meterline/meterline/internal/observability"
	"github.com/meterline/meterline/internal/queue"
	"github.com/meterline/meterline/internal/ratelimit"
	"github.com/meterline/meterline/internal/reset"
	"github.com/meterline/meterline/internal/server"
	"github.com/meterline/meterline/internal/usage"
	"github.com/meterline/meterline/internal/worker"
	"github.com/meterline/meterline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		cache.Module,
		queue.Module,
		ratelimit.Module,

		// Event fan-out
		eventbatch.Module,
		analytics.Module,
		eventlog.Module,

		// Domains
		feature.Module,
		customer.Module,
		usage.Module,
		entitlement.Module,

		// Async deduction workers, periodic resets + HTTP surface
		worker.Module,
		reset.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
