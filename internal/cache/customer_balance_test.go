package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/meterline/meterline/internal/balance"
	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
)

func newTestCache(t *testing.T) (*CustomerBalanceCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCustomerBalanceCache(client, zap.NewNop(), nil), srv
}

func TestBlobStateRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	reset := now.Add(24 * time.Hour)
	expires := now.Add(48 * time.Hour)

	grants := []entitlementdomain.Grant{
		{
			ID:                1,
			FeatureKey:        "api_calls",
			Balance:           entitlementdomain.Float64Ptr(40),
			Adjustment:        2,
			AdditionalBalance: entitlementdomain.Float64Ptr(5),
			NextResetAt:       &reset,
		},
		{
			ID:         2,
			FeatureKey: "seats",
			Entities: datatypes.NewJSONType(map[string]entitlementdomain.EntityBalance{
				"proj_a": {Balance: 3},
			}),
		},
		{ID: 3, FeatureKey: "sso"}, // unlimited
	}
	rollovers := []entitlementdomain.Rollover{
		{ID: 10, GrantID: 1, Balance: 7, ExpiresAt: &expires},
	}

	blob := BlobFromState(grants, rollovers, now)
	require.Len(t, blob.Grants, 3)
	require.Len(t, blob.Rollovers, 1)
	assert.True(t, blob.Grants["3"].Unlimited)
	assert.Equal(t, reset.Unix(), blob.Grants["1"].NextResetAt)

	backGrants, backRollovers := StateFromBlob(blob)
	require.Len(t, backGrants, 3)
	require.Len(t, backRollovers, 1)

	byID := map[int64]entitlementdomain.Grant{}
	for _, g := range backGrants {
		byID[int64(g.ID)] = g
	}
	require.NotNil(t, byID[1].Balance)
	assert.Equal(t, 40.0, *byID[1].Balance)
	assert.Equal(t, 2.0, byID[1].Adjustment)
	require.NotNil(t, byID[1].AdditionalBalance)
	assert.Equal(t, 5.0, *byID[1].AdditionalBalance)
	assert.Equal(t, reset, byID[1].NextResetAt.UTC())
	assert.Nil(t, byID[3].Balance)
	assert.Equal(t, 3.0, byID[2].Entities.Data()["proj_a"].Balance)

	assert.Equal(t, 7.0, backRollovers[0].Balance)
	assert.Equal(t, expires, backRollovers[0].ExpiresAt.UTC())
}

func TestBlobFromStateSkipsExpiredRollovers(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	blob := BlobFromState(
		[]entitlementdomain.Grant{{ID: 1, FeatureKey: "api_calls"}},
		[]entitlementdomain.Rollover{{ID: 10, GrantID: 1, Balance: 7, ExpiresAt: &past}},
		now,
	)
	assert.Empty(t, blob.Rollovers)
}

func TestNilCacheDegradesToMiss(t *testing.T) {
	var c *CustomerBalanceCache
	ctx := context.Background()

	_, ok := c.Get(ctx, 1, 2)
	assert.False(t, ok)

	status, skipped, err := c.ApplyUpdates(ctx, 1, 2, []entitlementdomain.GrantUpdate{{GrantID: 3}})
	require.NoError(t, err)
	assert.Equal(t, UpdateCacheMiss, status)
	assert.Empty(t, skipped)

	status, err = c.AppendEntity(ctx, 1, 2, 3, "seat-1", entitlementdomain.EntityBalance{Balance: 1})
	require.NoError(t, err)
	assert.Equal(t, UpdateCacheMiss, status)

	name := "Acme"
	status, err = c.UpdateCustomerData(ctx, 1, 2, CustomerPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, UpdateCacheMiss, status)

	c.Set(ctx, 1, 2, &CustomerBlob{})
	c.Invalidate(ctx, 1, 2)
	c.ApplyUpdatesAsync(1, 2, nil)
}

func TestPatchFromUpdateFieldNames(t *testing.T) {
	reset := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	expected := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	p := patchFromUpdate(entitlementdomain.GrantUpdate{
		GrantID:             42,
		Balance:             entitlementdomain.Float64Ptr(10),
		NextResetAt:         &reset,
		ExpectedNextResetAt: &expected,
		RolloverDeleteIDs:   []snowflake.ID{7},
	})

	assert.Equal(t, "42", p.GrantID)
	require.NotNil(t, p.Balance)
	assert.Equal(t, 10.0, *p.Balance)
	require.NotNil(t, p.NextResetAt)
	assert.Equal(t, reset.Unix(), *p.NextResetAt)
	require.NotNil(t, p.ExpectedNextResetAt)
	assert.Equal(t, expected.Unix(), *p.ExpectedNextResetAt)
	assert.Equal(t, []string{"7"}, p.RolloverDeleteIDs)
}

func TestApplyUpdatesSkipsOnlyGuardedPatches(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	reset1 := now.Add(24 * time.Hour)
	reset2 := now.Add(48 * time.Hour)

	c.Set(ctx, 1, 2, BlobFromState([]entitlementdomain.Grant{
		{ID: 10, FeatureKey: "api_calls", Balance: entitlementdomain.Float64Ptr(40), NextResetAt: &reset1},
		{ID: 11, FeatureKey: "exports", Balance: entitlementdomain.Float64Ptr(10), NextResetAt: &reset2},
	}, nil, now))

	wrong := reset2.Add(time.Hour)
	status, skipped, err := c.ApplyUpdates(ctx, 1, 2, []entitlementdomain.GrantUpdate{
		{GrantID: 10, Balance: entitlementdomain.Float64Ptr(35), ExpectedNextResetAt: &reset1},
		{GrantID: 11, Balance: entitlementdomain.Float64Ptr(5), ExpectedNextResetAt: &wrong},
	})
	require.NoError(t, err)
	assert.Equal(t, UpdateStale, status)
	assert.Equal(t, []snowflake.ID{11}, skipped)

	blob, ok := c.Get(ctx, 1, 2)
	require.True(t, ok)
	assert.Equal(t, 35.0, blob.Grants["10"].Balance)
	// The guarded patch was dropped, not the whole blob.
	assert.Equal(t, 10.0, blob.Grants["11"].Balance)
}

func TestApplyUpdatesDropsBlobOnUnknownGrant(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	c.Set(ctx, 1, 2, BlobFromState([]entitlementdomain.Grant{
		{ID: 10, FeatureKey: "api_calls", Balance: entitlementdomain.Float64Ptr(40)},
	}, nil, now))

	status, skipped, err := c.ApplyUpdates(ctx, 1, 2, []entitlementdomain.GrantUpdate{
		{GrantID: 99, Balance: entitlementdomain.Float64Ptr(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, UpdateCacheMiss, status)
	assert.Empty(t, skipped)
	assert.False(t, srv.Exists(blobKey(1, 2)))
}

func TestApplyUpdatesConvergesWithDeduction(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	expires := now.Add(72 * time.Hour)

	grants := []entitlementdomain.Grant{
		{ID: 10, FeatureKey: "api_calls", Balance: entitlementdomain.Float64Ptr(40)},
	}
	rollovers := []entitlementdomain.Rollover{
		{ID: 20, GrantID: 10, Balance: 7, ExpiresAt: &expires},
	}
	c.Set(ctx, 1, 2, BlobFromState(grants, rollovers, now))

	// Rollover pays 7, main pays 2.
	result, err := balance.Deduct(grants, rollovers, balance.Request{
		FeatureKey: "api_calls",
		Amount:     9,
		Now:        now,
	}, balance.Policy{})
	require.NoError(t, err)

	status, skipped, err := c.ApplyUpdates(ctx, 1, 2, result.Updates)
	require.NoError(t, err)
	assert.Equal(t, UpdateApplied, status)
	assert.Empty(t, skipped)

	blob, ok := c.Get(ctx, 1, 2)
	require.True(t, ok)
	assert.Equal(t, 38.0, blob.Grants["10"].Balance)
	assert.Empty(t, blob.Rollovers)

	// The patched blob matches a fresh projection of the post-deduction rows.
	backGrants, backRollovers := StateFromBlob(blob)
	got, _ := balance.Available(backGrants, backRollovers, "api_calls", "", now)
	assert.Equal(t, result.Remaining, got)
}

func TestAppendEntityUpsertsByInternalID(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	c.Set(ctx, 1, 2, BlobFromState([]entitlementdomain.Grant{
		{
			ID:         10,
			FeatureKey: "seats",
			Entities: datatypes.NewJSONType(map[string]entitlementdomain.EntityBalance{
				"proj_a": {InternalID: 100, Balance: 3},
			}),
		},
	}, nil, now))

	// Same internal id patches mutable fields in place.
	status, err := c.AppendEntity(ctx, 1, 2, 10, "proj_a", entitlementdomain.EntityBalance{
		InternalID: 100, Balance: 5, Adjustment: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, UpdateApplied, status)

	blob, ok := c.Get(ctx, 1, 2)
	require.True(t, ok)
	assert.Equal(t, entitlementdomain.EntityBalance{InternalID: 100, Balance: 5, Adjustment: 1},
		blob.Grants["10"].Entities["proj_a"])

	// The same external id under another internal id is a conflict and the
	// cached entry stays as it was.
	status, err = c.AppendEntity(ctx, 1, 2, 10, "proj_a", entitlementdomain.EntityBalance{
		InternalID: 999, Balance: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, EntityExists, status)

	blob, ok = c.Get(ctx, 1, 2)
	require.True(t, ok)
	assert.Equal(t, entitlementdomain.EntityBalance{InternalID: 100, Balance: 5, Adjustment: 1},
		blob.Grants["10"].Entities["proj_a"])

	// A new external id is appended.
	status, err = c.AppendEntity(ctx, 1, 2, 10, "proj_b", entitlementdomain.EntityBalance{
		InternalID: 101, Balance: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, UpdateApplied, status)

	blob, ok = c.Get(ctx, 1, 2)
	require.True(t, ok)
	assert.Len(t, blob.Grants["10"].Entities, 2)
	assert.Equal(t, 3.0, blob.Grants["10"].Entities["proj_b"].Balance)
}

func TestUpdateCustomerDataPatchesFlatFields(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	status, err := c.UpdateCustomerData(ctx, 1, 2, CustomerPatch{})
	require.NoError(t, err)
	assert.Equal(t, UpdateCacheMiss, status)

	blob := BlobFromState(nil, nil, now)
	blob.Customer = &CachedCustomer{Name: "Acme", Email: "ops@acme.test"}
	c.Set(ctx, 1, 2, blob)

	name := "Acme Holdings"
	status, err = c.UpdateCustomerData(ctx, 1, 2, CustomerPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, UpdateApplied, status)

	got, ok := c.Get(ctx, 1, 2)
	require.True(t, ok)
	require.NotNil(t, got.Customer)
	assert.Equal(t, "Acme Holdings", got.Customer.Name)
	assert.Equal(t, "ops@acme.test", got.Customer.Email)
}
