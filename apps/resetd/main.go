package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/analytics"
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/entitlement"
	"github.com/meterline/meterline/internal/eventbatch"
	"github.com/meterline/meterline/internal/eventlog"
	"github.com/meterline/meterline/internal/feature"
	"github.com/meterline/meterline/internal/observability"
	"github.com/meterline/meterline/internal/reset"
	"github.com/meterline/meterline/internal/usage"
	"github.com/meterline/meterline/pkg/db"
	"go.uber.org/fx"
)

// resetd runs the periodic grant reset and rollover scan. It shares the
// engine's database but owns no HTTP surface; schema migrations are the
// engine's job.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,

		eventbatch.Module,
		analytics.Module,
		eventlog.Module,

		feature.Module,
		usage.Module,
		entitlement.Module,

		reset.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
