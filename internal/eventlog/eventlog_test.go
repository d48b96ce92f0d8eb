package eventlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meterline/meterline/internal/eventbatch"
)

func newTestSink(t *testing.T) (eventbatch.Sink, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&BalanceEvent{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	return NewSink(Params{DB: db, Log: zap.NewNop(), GenID: node}), db
}

func TestSinkPersistsFlushedEvents(t *testing.T) {
	sink, db := newTestSink(t)
	at := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	err := sink.Deliver(context.Background(), []eventbatch.Event{
		{
			Type:       eventbatch.EventUsageTracked,
			OrgID:      "42",
			CustomerID: "1001",
			FeatureKey: "api_calls",
			Amount:     3,
			Remaining:  47,
			At:         at,
		},
		{
			Type:       eventbatch.EventOverage,
			OrgID:      "42",
			CustomerID: "1001",
			FeatureKey: "api_calls",
			Amount:     1,
			At:         at,
		},
	})
	require.NoError(t, err)

	var rows []BalanceEvent
	require.NoError(t, db.Order("event_type DESC").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, string(eventbatch.EventUsageTracked), rows[0].Type)
	assert.Equal(t, "1001", rows[0].CustomerID)
	assert.Equal(t, 47.0, rows[0].Remaining)
	assert.Equal(t, string(eventbatch.EventOverage), rows[1].Type)
	assert.NotZero(t, rows[0].ID)
	assert.NotEqual(t, rows[0].ID, rows[1].ID)
}

func TestSinkKeepsProducerEventID(t *testing.T) {
	sink, db := newTestSink(t)

	err := sink.Deliver(context.Background(), []eventbatch.Event{
		{
			ID:         "7340116491988439041",
			Type:       eventbatch.EventUsageTracked,
			OrgID:      "42",
			CustomerID: "1001",
			At:         time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)

	var row BalanceEvent
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, "7340116491988439041", row.ID.String())
}

func TestSinkIgnoresEmptyBatch(t *testing.T) {
	sink, db := newTestSink(t)

	require.NoError(t, sink.Deliver(context.Background(), nil))

	var count int64
	require.NoError(t, db.Model(&BalanceEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}
