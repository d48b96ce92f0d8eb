package analytics

import "go.uber.org/fx"

var Module = fx.Module("analytics",
	fx.Provide(
		fx.Annotate(NewSink, fx.ResultTags(`group:"event_sinks"`)),
	),
)
