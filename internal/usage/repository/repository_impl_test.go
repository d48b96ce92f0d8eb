package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	usagedomain "github.com/meterline/meterline/internal/usage/domain"
)

func newTestDB(t *testing.T) (*gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&usagedomain.UsageEvent{}))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	return db, node
}

func seedEvent(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID, customerID snowflake.ID, key *string, recordedAt time.Time) usagedomain.UsageEvent {
	t.Helper()
	event := usagedomain.UsageEvent{
		ID:             node.Generate(),
		OrgID:          orgID,
		CustomerID:     customerID,
		FeatureKey:     "api_calls",
		Amount:         1,
		Deducted:       1,
		RecordedAt:     recordedAt,
		IdempotencyKey: key,
	}
	inserted, err := Provide().Insert(context.Background(), db, &event)
	require.NoError(t, err)
	require.True(t, inserted)
	return event
}

func TestInsertIdempotencyConflictReturnsFalse(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()
	orgID := node.Generate()
	key := "evt-1"

	seedEvent(t, db, node, orgID, node.Generate(), &key, time.Now().UTC())

	dup := usagedomain.UsageEvent{
		ID:             node.Generate(),
		OrgID:          orgID,
		CustomerID:     node.Generate(),
		FeatureKey:     "api_calls",
		Amount:         1,
		RecordedAt:     time.Now().UTC(),
		IdempotencyKey: &key,
	}
	inserted, err := repo.Insert(context.Background(), db, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	found, err := repo.FindByIdempotencyKey(context.Background(), db, orgID, key)
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()
	orgID := node.Generate()
	customerID := node.Generate()

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var all []usagedomain.UsageEvent
	for i := 0; i < 5; i++ {
		all = append(all, seedEvent(t, db, node, orgID, customerID, nil, base.Add(time.Duration(i)*time.Minute)))
	}

	firstPage, pageInfo, err := repo.List(context.Background(), db, orgID, usagedomain.ListUsageFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, firstPage, 2)
	require.True(t, pageInfo.HasMore)
	assert.Equal(t, all[4].ID, firstPage[0].ID)
	assert.Equal(t, all[3].ID, firstPage[1].ID)

	secondPage, pageInfo, err := repo.List(context.Background(), db, orgID, usagedomain.ListUsageFilter{
		Limit:     2,
		PageToken: pageInfo.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, secondPage, 2)
	require.True(t, pageInfo.HasMore)
	assert.Equal(t, all[2].ID, secondPage[0].ID)

	lastPage, pageInfo, err := repo.List(context.Background(), db, orgID, usagedomain.ListUsageFilter{
		Limit:     2,
		PageToken: pageInfo.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, lastPage, 1)
	assert.False(t, pageInfo.HasMore)
	assert.Equal(t, all[0].ID, lastPage[0].ID)
}

func TestListRejectsGarbageToken(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()

	_, _, err := repo.List(context.Background(), db, node.Generate(), usagedomain.ListUsageFilter{
		PageToken: "not-a-cursor",
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidPageToken)
}
