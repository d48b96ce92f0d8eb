package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Feature, error)
	FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*Feature, error)
	ListByKeys(ctx context.Context, db *gorm.DB, orgID snowflake.ID, keys []string) ([]Feature, error)
}
