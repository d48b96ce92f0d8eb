package reset

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
	entitlementrepo "github.com/meterline/meterline/internal/entitlement/repository"
)

// sqlite has no FOR UPDATE; strip it so the claim query runs in tests.
func stripForUpdate(db *gorm.DB) {
	rewrite := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", rewrite)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", rewrite)
}

type fixture struct {
	worker     *Worker
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	orgID      snowflake.ID
	customerID snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	stripForUpdate(db)

	require.NoError(t, db.AutoMigrate(
		&entitlementdomain.Grant{},
		&entitlementdomain.Rollover{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	worker := NewWorker(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
		Holder: config.NewStaticEngineConfigHolder(config.EngineConfig{
			ResetBatchSize: 50,
		}),
		Repo: entitlementrepo.Provide(),
	})

	return &fixture{
		worker:     worker,
		db:         db,
		node:       node,
		clock:      fakeClock,
		orgID:      node.Generate(),
		customerID: node.Generate(),
	}
}

func (f *fixture) seedGrant(t *testing.T, mutate func(*entitlementdomain.Grant)) entitlementdomain.Grant {
	t.Helper()
	due := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	grant := entitlementdomain.Grant{
		ID:             f.node.Generate(),
		OrgID:          f.orgID,
		CustomerID:     f.customerID,
		FeatureID:      f.node.Generate(),
		FeatureKey:     "api_calls",
		Balance:        entitlementdomain.Float64Ptr(12),
		BaseAllowance:  100,
		NextResetAt:    &due,
		ResetInterval:  entitlementdomain.ResetIntervalMonth,
		RolloverPolicy: entitlementdomain.RolloverPolicyMonths,
		RolloverMonths: 1,
	}
	if mutate != nil {
		mutate(&grant)
	}
	require.NoError(t, f.db.Create(&grant).Error)
	return grant
}

func (f *fixture) reloadGrant(t *testing.T, id snowflake.ID) entitlementdomain.Grant {
	t.Helper()
	var grant entitlementdomain.Grant
	require.NoError(t, f.db.First(&grant, "id = ?", id).Error)
	return grant
}

func (f *fixture) rollovers(t *testing.T) []entitlementdomain.Rollover {
	t.Helper()
	var rollovers []entitlementdomain.Rollover
	require.NoError(t, f.db.Order("id ASC").Find(&rollovers).Error)
	return rollovers
}

func TestRunOnce_ResetsDueGrantWithRollover(t *testing.T) {
	f := newFixture(t)
	grant := f.seedGrant(t, nil)

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	stored := f.reloadGrant(t, grant.ID)
	assert.Equal(t, 100.0, *stored.Balance)
	require.NotNil(t, stored.NextResetAt)
	assert.Equal(t, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), stored.NextResetAt.UTC())

	rollovers := f.rollovers(t)
	require.Len(t, rollovers, 1)
	assert.Equal(t, grant.ID, rollovers[0].GrantID)
	assert.Equal(t, 12.0, rollovers[0].Balance)
	require.NotNil(t, rollovers[0].ExpiresAt)
	assert.Equal(t, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), rollovers[0].ExpiresAt.UTC())
}

func TestRunOnce_NothingDue(t *testing.T) {
	f := newFixture(t)
	f.seedGrant(t, func(g *entitlementdomain.Grant) {
		future := time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)
		g.NextResetAt = &future
	})

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Empty(t, f.rollovers(t))
}

func TestResetGrant_StaleGuardMakesRerunNoOp(t *testing.T) {
	f := newFixture(t)
	grant := f.seedGrant(t, nil)
	now := f.clock.Now()

	require.NoError(t, f.worker.resetGrant(context.Background(), grant, now))
	// Replay with the stale pre-reset snapshot, as a second worker would.
	require.NoError(t, f.worker.resetGrant(context.Background(), grant, now))

	stored := f.reloadGrant(t, grant.ID)
	assert.Equal(t, 100.0, *stored.Balance)
	assert.Len(t, f.rollovers(t), 1, "stale rerun must not duplicate the rollover")
}

func TestRunOnce_PolicyNoneDiscardsBalance(t *testing.T) {
	f := newFixture(t)
	grant := f.seedGrant(t, func(g *entitlementdomain.Grant) {
		g.RolloverPolicy = entitlementdomain.RolloverPolicyNone
	})

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	stored := f.reloadGrant(t, grant.ID)
	assert.Equal(t, 100.0, *stored.Balance)
	assert.Empty(t, f.rollovers(t))
}

func TestRunOnce_ForeverRolloverHasNoExpiry(t *testing.T) {
	f := newFixture(t)
	f.seedGrant(t, func(g *entitlementdomain.Grant) {
		g.RolloverPolicy = entitlementdomain.RolloverPolicyForever
	})

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	rollovers := f.rollovers(t)
	require.Len(t, rollovers, 1)
	assert.Nil(t, rollovers[0].ExpiresAt)
}

func TestRunOnce_EntityScopedReset(t *testing.T) {
	f := newFixture(t)
	grant := f.seedGrant(t, func(g *entitlementdomain.Grant) {
		g.Balance = nil
		g.BaseAllowance = 10
		g.Entities = datatypes.NewJSONType(map[string]entitlementdomain.EntityBalance{
			"proj_a": {Balance: 4, Adjustment: 1},
			"proj_b": {Balance: 0},
		})
	})

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	stored := f.reloadGrant(t, grant.ID)
	entities := stored.Entities.Data()
	assert.Equal(t, 10.0, entities["proj_a"].Balance)
	assert.Equal(t, 1.0, entities["proj_a"].Adjustment, "adjustments survive resets")
	assert.Equal(t, 10.0, entities["proj_b"].Balance)

	rollovers := f.rollovers(t)
	require.Len(t, rollovers, 1)
	leftovers := rollovers[0].Entities.Data()
	assert.Equal(t, 4.0, leftovers["proj_a"])
	_, hasB := leftovers["proj_b"]
	assert.False(t, hasB, "zero balances do not roll over")
}

func TestRunOnce_DuplicateFeatureRolloverAttachesToFirstGrant(t *testing.T) {
	f := newFixture(t)
	first := f.seedGrant(t, func(g *entitlementdomain.Grant) {
		g.NextResetAt = nil // not resetting, just the first holder of the feature
	})
	second := f.seedGrant(t, nil)
	require.Less(t, int64(first.ID), int64(second.ID))

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	rollovers := f.rollovers(t)
	require.Len(t, rollovers, 1)
	assert.Equal(t, first.ID, rollovers[0].GrantID)
}

func TestRunOnce_PurgesExpiredRollovers(t *testing.T) {
	f := newFixture(t)
	grant := f.seedGrant(t, func(g *entitlementdomain.Grant) {
		future := time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC)
		g.NextResetAt = &future
	})

	past := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.Create(&entitlementdomain.Rollover{
		ID:        f.node.Generate(),
		OrgID:     f.orgID,
		GrantID:   grant.ID,
		Balance:   5,
		ExpiresAt: &past,
	}).Error)

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.rollovers(t))
}

func TestRunOnce_CatchesUpAfterDowntime(t *testing.T) {
	f := newFixture(t)
	grant := f.seedGrant(t, func(g *entitlementdomain.Grant) {
		longAgo := time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC)
		g.NextResetAt = &longAgo
	})

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	stored := f.reloadGrant(t, grant.ID)
	require.NotNil(t, stored.NextResetAt)
	assert.True(t, stored.NextResetAt.After(f.clock.Now()),
		"next reset lands in the future, not one period at a time")
}
