// Package eventlog persists flushed usage events as an append-only audit
// trail of balance changes.
package eventlog

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meterline/meterline/internal/eventbatch"
	"github.com/meterline/meterline/pkg/repository"
)

// BalanceEvent is one persisted balance change.
type BalanceEvent struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	OrgID      string            `gorm:"column:org_id;index:idx_balance_events_org_at,priority:1"`
	CustomerID string            `gorm:"column:customer_id;index"`
	Type       string            `gorm:"column:event_type;type:text;not null"`
	FeatureKey string            `gorm:"column:feature_key;type:text"`
	EntityID   string            `gorm:"column:entity_id;type:text"`
	Amount     float64           `gorm:"column:amount"`
	Remaining  float64           `gorm:"column:remaining"`
	Overage    float64           `gorm:"column:overage"`
	Metadata   datatypes.JSONMap `gorm:"column:metadata;type:jsonb"`
	OccurredAt time.Time         `gorm:"column:occurred_at;index:idx_balance_events_org_at,priority:2"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BalanceEvent) TableName() string { return "balance_events" }

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type sink struct {
	store repository.Repository[BalanceEvent]
	log   *zap.Logger
	genID *snowflake.Node
}

// NewSink returns the database sink for the event batcher.
func NewSink(p Params) eventbatch.Sink {
	return &sink{
		store: repository.ProvideStore[BalanceEvent](p.DB),
		log:   p.Log.Named("eventlog"),
		genID: p.GenID,
	}
}

func (s *sink) Name() string { return "eventlog" }

func (s *sink) Deliver(ctx context.Context, events []eventbatch.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]*BalanceEvent, 0, len(events))
	now := time.Now().UTC()
	for _, e := range events {
		// Keep the producer's event id so a delivery failure log can be
		// matched against the audit rows. Events without one get a fresh id.
		id, err := snowflake.ParseString(e.ID)
		if err != nil {
			id = s.genID.Generate()
		}
		rows = append(rows, &BalanceEvent{
			ID:         id,
			OrgID:      e.OrgID,
			CustomerID: e.CustomerID,
			Type:       string(e.Type),
			FeatureKey: e.FeatureKey,
			EntityID:   e.EntityID,
			Amount:     e.Amount,
			Remaining:  e.Remaining,
			Overage:    e.Overage,
			Metadata:   datatypes.JSONMap(e.Metadata),
			OccurredAt: e.At,
			CreatedAt:  now,
		})
	}
	return s.store.BatchCreate(ctx, rows)
}

var Module = fx.Module("eventlog",
	fx.Provide(
		fx.Annotate(NewSink, fx.ResultTags(`group:"event_sinks"`)),
	),
)
