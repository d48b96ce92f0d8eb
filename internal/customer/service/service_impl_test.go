package service

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
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meterline/meterline/internal/clock"
	customerdomain "github.com/meterline/meterline/internal/customer/domain"
	customerrepo "github.com/meterline/meterline/internal/customer/repository"
	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
	entitlementrepo "github.com/meterline/meterline/internal/entitlement/repository"
)

type fixture struct {
	svc        customerdomain.Service
	db         *gorm.DB
	node       *snowflake.Node
	orgID      snowflake.ID
	customerID snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&customerdomain.Customer{},
		&customerdomain.Entity{},
		&entitlementdomain.Grant{},
		&entitlementdomain.Rollover{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fakeClock,
		Repo:      customerrepo.Provide(),
		GrantRepo: entitlementrepo.Provide(),
	})

	return &fixture{
		svc:        svc,
		db:         db,
		node:       node,
		orgID:      node.Generate(),
		customerID: node.Generate(),
	}
}

func (f *fixture) seedEntityGrant(t *testing.T, featureKey string, baseAllowance float64, entities map[string]entitlementdomain.EntityBalance) entitlementdomain.Grant {
	t.Helper()
	grant := entitlementdomain.Grant{
		ID:            f.node.Generate(),
		OrgID:         f.orgID,
		CustomerID:    f.customerID,
		FeatureID:     f.node.Generate(),
		FeatureKey:    featureKey,
		BaseAllowance: baseAllowance,
		Entities:      datatypes.NewJSONType(entities),
	}
	require.NoError(t, f.db.Create(&grant).Error)
	return grant
}

func (f *fixture) reloadGrant(t *testing.T, id snowflake.ID) entitlementdomain.Grant {
	t.Helper()
	var grant entitlementdomain.Grant
	require.NoError(t, f.db.Where("id = ?", id).First(&grant).Error)
	return grant
}

func TestCreateCustomer(t *testing.T) {
	f := newFixture(t)

	customer, err := f.svc.CreateCustomer(context.Background(), customerdomain.CreateCustomerRequest{
		OrgID: f.orgID,
		Name:  "Acme Corp",
		Email: "billing@acme.example",
	})
	require.NoError(t, err)
	require.NotZero(t, customer.ID)

	found, err := f.svc.GetCustomer(context.Background(), f.orgID, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", found.Name)
	assert.Equal(t, "billing@acme.example", found.Email)
}

func TestCreateCustomerRequiresNameAndEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateCustomer(context.Background(), customerdomain.CreateCustomerRequest{
		OrgID: f.orgID,
		Name:  "  ",
		Email: "billing@acme.example",
	})
	assert.ErrorIs(t, err, customerdomain.ErrInvalidCustomer)
}

func TestGetCustomerNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetCustomer(context.Background(), f.orgID, f.node.Generate())
	assert.ErrorIs(t, err, customerdomain.ErrCustomerNotFound)
}

func TestUpdateCustomerPatchesOnlyGivenFields(t *testing.T) {
	f := newFixture(t)

	customer, err := f.svc.CreateCustomer(context.Background(), customerdomain.CreateCustomerRequest{
		OrgID: f.orgID,
		Name:  "Acme Corp",
		Email: "billing@acme.example",
	})
	require.NoError(t, err)

	name := "  Acme Holdings  "
	processor := "cus_123"
	updated, err := f.svc.UpdateCustomer(context.Background(), customerdomain.UpdateCustomerRequest{
		OrgID:       f.orgID,
		CustomerID:  customer.ID,
		Name:        &name,
		ProcessorID: &processor,
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme Holdings", updated.Name)
	assert.Equal(t, "cus_123", updated.ProcessorID)
	assert.Equal(t, "billing@acme.example", updated.Email)

	found, err := f.svc.GetCustomer(context.Background(), f.orgID, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Holdings", found.Name)
	assert.Equal(t, "cus_123", found.ProcessorID)
}

func TestUpdateCustomerValidation(t *testing.T) {
	f := newFixture(t)

	customer, err := f.svc.CreateCustomer(context.Background(), customerdomain.CreateCustomerRequest{
		OrgID: f.orgID,
		Name:  "Acme Corp",
		Email: "billing@acme.example",
	})
	require.NoError(t, err)

	blank := " "
	_, err = f.svc.UpdateCustomer(context.Background(), customerdomain.UpdateCustomerRequest{
		OrgID:      f.orgID,
		CustomerID: customer.ID,
		Name:       &blank,
	})
	assert.ErrorIs(t, err, customerdomain.ErrInvalidCustomer)

	name := "Acme Corp"
	_, err = f.svc.UpdateCustomer(context.Background(), customerdomain.UpdateCustomerRequest{
		OrgID:      f.orgID,
		CustomerID: f.node.Generate(),
		Name:       &name,
	})
	assert.ErrorIs(t, err, customerdomain.ErrCustomerNotFound)
}

func TestRegisterEntitySeedsGrantSubBalance(t *testing.T) {
	f := newFixture(t)
	grant := f.seedEntityGrant(t, "seats", 100, map[string]entitlementdomain.EntityBalance{
		"seat-1": {Balance: 100},
	})

	entity, err := f.svc.RegisterEntity(context.Background(), customerdomain.RegisterEntityRequest{
		OrgID:      f.orgID,
		CustomerID: f.customerID,
		FeatureKey: "seats",
		ExternalID: "seat-2",
		Name:       "Second seat",
	})
	require.NoError(t, err)
	require.NotZero(t, entity.InternalID)
	assert.Equal(t, "seat-2", entity.ExternalID)

	reloaded := f.reloadGrant(t, grant.ID)
	entities := reloaded.Entities.Data()
	require.Contains(t, entities, "seat-2")
	assert.Equal(t, 100.0, entities["seat-2"].Balance)
	assert.Equal(t, entity.InternalID, entities["seat-2"].InternalID)
	assert.Contains(t, entities, "seat-1")
}

func TestRegisterEntityUpsertsMutableFields(t *testing.T) {
	f := newFixture(t)
	grant := f.seedEntityGrant(t, "seats", 50, map[string]entitlementdomain.EntityBalance{
		"seat-1": {Balance: 50},
	})

	first, err := f.svc.RegisterEntity(context.Background(), customerdomain.RegisterEntityRequest{
		OrgID:      f.orgID,
		CustomerID: f.customerID,
		FeatureKey: "seats",
		ExternalID: "seat-2",
		Name:       "Old name",
	})
	require.NoError(t, err)

	second, err := f.svc.RegisterEntity(context.Background(), customerdomain.RegisterEntityRequest{
		OrgID:      f.orgID,
		CustomerID: f.customerID,
		FeatureKey: "seats",
		ExternalID: "seat-2",
		Name:       "New name",
	})
	require.NoError(t, err)
	assert.Equal(t, first.InternalID, second.InternalID)
	assert.Equal(t, "New name", second.Name)

	var stored customerdomain.Entity
	require.NoError(t, f.db.Where("internal_id = ?", first.InternalID).First(&stored).Error)
	assert.Equal(t, "New name", stored.Name)

	// No sub-balance was touched by the re-registration.
	reloaded := f.reloadGrant(t, grant.ID)
	assert.Equal(t, 50.0, reloaded.Entities.Data()["seat-2"].Balance)
}

func TestRegisterEntityIsIdempotent(t *testing.T) {
	f := newFixture(t)
	grant := f.seedEntityGrant(t, "seats", 50, map[string]entitlementdomain.EntityBalance{
		"seat-1": {Balance: 50},
	})

	first, err := f.svc.RegisterEntity(context.Background(), customerdomain.RegisterEntityRequest{
		OrgID:      f.orgID,
		CustomerID: f.customerID,
		FeatureKey: "seats",
		ExternalID: "seat-2",
	})
	require.NoError(t, err)

	// Drain the seeded sub-balance, then re-register. The balance must not
	// be reset back to the base allowance.
	reloaded := f.reloadGrant(t, grant.ID)
	entities := reloaded.Entities.Data()
	eb := entities["seat-2"]
	eb.Balance = 10
	entities["seat-2"] = eb
	reloaded.Entities = datatypes.NewJSONType(entities)
	require.NoError(t, f.db.Save(&reloaded).Error)

	second, err := f.svc.RegisterEntity(context.Background(), customerdomain.RegisterEntityRequest{
		OrgID:      f.orgID,
		CustomerID: f.customerID,
		FeatureKey: "seats",
		ExternalID: "seat-2",
	})
	require.NoError(t, err)
	assert.Equal(t, first.InternalID, second.InternalID)

	again := f.reloadGrant(t, grant.ID)
	assert.Equal(t, 10.0, again.Entities.Data()["seat-2"].Balance)
}

func TestRegisterEntityValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RegisterEntity(context.Background(), customerdomain.RegisterEntityRequest{
		OrgID:      f.orgID,
		CustomerID: f.customerID,
		FeatureKey: "seats",
		ExternalID: "  ",
	})
	assert.ErrorIs(t, err, customerdomain.ErrInvalidEntity)
}

func TestRemoveEntityDropsSubBalance(t *testing.T) {
	f := newFixture(t)
	grant := f.seedEntityGrant(t, "seats", 100, map[string]entitlementdomain.EntityBalance{
		"seat-1": {Balance: 100},
	})

	entity, err := f.svc.RegisterEntity(context.Background(), customerdomain.RegisterEntityRequest{
		OrgID:      f.orgID,
		CustomerID: f.customerID,
		FeatureKey: "seats",
		ExternalID: "seat-2",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveEntity(context.Background(), f.orgID, f.customerID, entity.InternalID))

	reloaded := f.reloadGrant(t, grant.ID)
	assert.NotContains(t, reloaded.Entities.Data(), "seat-2")
	assert.Contains(t, reloaded.Entities.Data(), "seat-1")

	listed, err := f.svc.ListEntities(context.Background(), f.orgID, f.customerID, "seats")
	require.NoError(t, err)
	require.Len(t, listed, 0)

	// Removing again reports not found.
	err = f.svc.RemoveEntity(context.Background(), f.orgID, f.customerID, entity.InternalID)
	assert.Error(t, err)
}

func TestListEntitiesFiltersByFeature(t *testing.T) {
	f := newFixture(t)
	f.seedEntityGrant(t, "seats", 10, map[string]entitlementdomain.EntityBalance{"seat-1": {Balance: 10}})
	f.seedEntityGrant(t, "devices", 5, map[string]entitlementdomain.EntityBalance{"dev-1": {Balance: 5}})

	_, err := f.svc.RegisterEntity(context.Background(), customerdomain.RegisterEntityRequest{
		OrgID:      f.orgID,
		CustomerID: f.customerID,
		FeatureKey: "seats",
		ExternalID: "seat-2",
	})
	require.NoError(t, err)
	_, err = f.svc.RegisterEntity(context.Background(), customerdomain.RegisterEntityRequest{
		OrgID:      f.orgID,
		CustomerID: f.customerID,
		FeatureKey: "devices",
		ExternalID: "dev-2",
	})
	require.NoError(t, err)

	seats, err := f.svc.ListEntities(context.Background(), f.orgID, f.customerID, "seats")
	require.NoError(t, err)
	require.Len(t, seats, 1)
	assert.Equal(t, "seat-2", seats[0].ExternalID)

	all, err := f.svc.ListEntities(context.Background(), f.orgID, f.customerID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
