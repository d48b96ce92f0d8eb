package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	CreateCustomer(ctx context.Context, db *gorm.DB, customer *Customer) error
	FindCustomerByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Customer, error)
	UpdateCustomer(ctx context.Context, db *gorm.DB, customer *Customer) error

	CreateEntity(ctx context.Context, db *gorm.DB, entity *Entity) error
	UpdateEntity(ctx context.Context, db *gorm.DB, entity *Entity) error
	FindEntityByExternalID(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey, externalID string) (*Entity, error)
	ListEntities(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string) ([]Entity, error)
	SoftDeleteEntity(ctx context.Context, db *gorm.DB, orgID, internalID snowflake.ID) error
}
