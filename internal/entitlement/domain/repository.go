package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, grant *Grant) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Grant, error)
	GrantsForCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) ([]Grant, error)
	GrantsForCustomerFeature(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string) ([]Grant, error)

	// GrantsForCustomerFeatureLocked is the deduction read. Rows stay locked
	// for the enclosing transaction so concurrent deductions against the same
	// grants serialize instead of applying from the same snapshot.
	GrantsForCustomerFeatureLocked(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string) ([]Grant, error)
	RolloversForGrants(ctx context.Context, db *gorm.DB, grantIDs []snowflake.ID) ([]Rollover, error)

	// ApplyGrantUpdates applies all updates in one transaction. Updates whose
	// ExpectedNextResetAt no longer matches the stored row are skipped and
	// their grant IDs returned, so callers can invalidate stale projections.
	ApplyGrantUpdates(ctx context.Context, db *gorm.DB, orgID snowflake.ID, updates []GrantUpdate) (stale []snowflake.ID, err error)

	// ClaimDueGrants locks and returns up to limit grants whose next_reset_at
	// has passed, skipping rows held by concurrent workers.
	ClaimDueGrants(ctx context.Context, db *gorm.DB, due time.Time, limit int) ([]Grant, error)

	DeleteBySubscriptionItem(ctx context.Context, db *gorm.DB, orgID, subscriptionItemID snowflake.ID) error
	DeleteExpiredRollovers(ctx context.Context, db *gorm.DB, before time.Time) (int64, error)
}
