package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/meterline/meterline/pkg/db/pagination"
)

type ListUsageFilter struct {
	CustomerID snowflake.ID
	FeatureKey string
	StartAt    *time.Time
	EndAt      *time.Time
	Limit      int
	PageToken  string
}

type Repository interface {
	// Insert persists the event. Returns (false, nil) when an event with the
	// same idempotency key already exists and nothing was written.
	Insert(ctx context.Context, db *gorm.DB, event *UsageEvent) (bool, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, orgID snowflake.ID, key string) (*UsageEvent, error)
	// List returns events newest first. PageToken is an opaque cursor from a
	// previous page's PageInfo.
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListUsageFilter) ([]UsageEvent, *pagination.PageInfo, error)
}
