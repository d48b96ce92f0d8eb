// Package domain contains persistence models for entitlement grants and
// rollover records. Grants are the source of truth for how much allowance a
// customer holds for a feature; the customer cache only projects them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RolloverPolicy controls what happens to unused balance at a period boundary.
type RolloverPolicy string

const (
	RolloverPolicyNone    RolloverPolicy = "none"
	RolloverPolicyMonths  RolloverPolicy = "months"
	RolloverPolicyForever RolloverPolicy = "forever"
)

// ResetInterval is the grant's period length.
type ResetInterval string

const (
	ResetIntervalDay   ResetInterval = "day"
	ResetIntervalWeek  ResetInterval = "week"
	ResetIntervalMonth ResetInterval = "month"
	ResetIntervalYear  ResetInterval = "year"
)

// EntityBalance is the per-entity sub-balance of an entity-scoped grant. The
// internal id ties the entry to its entity row so a re-registration of the
// same external id under a different internal id is distinguishable from a
// repeat of the same one.
type EntityBalance struct {
	InternalID snowflake.ID `json:"internal_id,omitempty"`
	Balance    float64      `json:"balance"`
	Adjustment float64      `json:"adjustment"`
}

// Grant is one allowance of a feature to a customer. A nil Balance means
// unlimited. AdditionalBalance is a second pool (purchased top-up) drawn down
// after rollovers but before the main balance.
type Grant struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	OrgID      snowflake.ID `gorm:"not null;index:idx_grants_org_customer,priority:1"`
	CustomerID snowflake.ID `gorm:"not null;index:idx_grants_org_customer,priority:2"`
	FeatureID  snowflake.ID `gorm:"not null;index"`
	FeatureKey string       `gorm:"column:feature_key;type:text;not null;index"`

	// SubscriptionItemID ties the grant to the plan item that created it;
	// removing the item removes the grant.
	SubscriptionItemID snowflake.ID `gorm:"column:subscription_item_id;index"`

	Balance                  *float64 `gorm:"column:balance"`
	Adjustment               float64  `gorm:"column:adjustment;not null;default:0"`
	AdditionalGrantedBalance *float64 `gorm:"column:additional_granted_balance"`
	AdditionalBalance        *float64 `gorm:"column:additional_balance"`

	Entities datatypes.JSONType[map[string]EntityBalance] `gorm:"column:entities;type:jsonb"`

	BaseAllowance  float64        `gorm:"column:base_allowance;not null;default:0"`
	NextResetAt    *time.Time     `gorm:"column:next_reset_at;index"`
	ResetInterval  ResetInterval  `gorm:"column:reset_interval;type:text"`
	ResetAnchor    *time.Time     `gorm:"column:reset_anchor"`
	RolloverPolicy RolloverPolicy `gorm:"column:rollover_policy;type:text;not null;default:'none'"`
	RolloverMonths int            `gorm:"column:rollover_months;not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Grant) TableName() string { return "entitlement_grants" }

// Unlimited reports whether the grant has no finite top-level balance.
func (g Grant) Unlimited() bool { return g.Balance == nil }

// EntityScoped reports whether balances live on per-entity sub-pools.
func (g Grant) EntityScoped() bool {
	entities := g.Entities.Data()
	return len(entities) > 0
}

// Resets reports whether the grant participates in the period reset scan.
func (g Grant) Resets() bool { return g.NextResetAt != nil }

// Rollover is unused balance carried from a previous period. It is consumed
// before the grant's current-period balance and expires independently.
type Rollover struct {
	ID      snowflake.ID `gorm:"primaryKey"`
	OrgID   snowflake.ID `gorm:"not null;index"`
	GrantID snowflake.ID `gorm:"column:grant_id;not null;index"`

	Balance   float64                                `gorm:"column:balance;not null;default:0"`
	Entities  datatypes.JSONType[map[string]float64] `gorm:"column:entities;type:jsonb"`
	ExpiresAt *time.Time                             `gorm:"column:expires_at;index"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Rollover) TableName() string { return "entitlement_rollovers" }

// Expired reports whether the rollover can no longer be drawn from.
func (r Rollover) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Exhausted reports whether nothing is left in any pool of the rollover.
func (r Rollover) Exhausted() bool {
	if r.Balance > 0 {
		return false
	}
	for _, balance := range r.Entities.Data() {
		if balance > 0 {
			return false
		}
	}
	return true
}

// Float64Ptr returns a pointer copy of v. Convenience for optional balances.
func Float64Ptr(v float64) *float64 { return &v }
