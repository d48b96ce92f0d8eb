// Package domain contains persistence models for tracked usage.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent stores one tracked deduction against a feature. The idempotency
// key is unique per org so client retries never deduct twice.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrgID          snowflake.ID      `gorm:"not null;uniqueIndex:uniq_usage_idempotency,priority:1"`
	CustomerID     snowflake.ID      `gorm:"not null;index"`
	FeatureKey     string            `gorm:"column:feature_key;type:text;not null"`
	EntityID       string            `gorm:"column:entity_id;type:text"`
	Amount         float64           `gorm:"not null"`
	Deducted       float64           `gorm:"not null"`
	Overage        float64           `gorm:"not null;default:0"`
	RecordedAt     time.Time         `gorm:"not null;index"`
	IdempotencyKey *string           `gorm:"type:text;uniqueIndex:uniq_usage_idempotency,priority:2"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

var (
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidFeatureKey = errors.New("invalid_feature_key")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
)
