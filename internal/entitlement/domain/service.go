package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CheckRequest asks whether a customer may use a feature.
type CheckRequest struct {
	OrgID      snowflake.ID `json:"organization_id"`
	CustomerID snowflake.ID `json:"customer_id"`
	FeatureKey string       `json:"feature_key"`
	EntityID   string       `json:"entity_id,omitempty"`
	Amount     float64      `json:"amount,omitempty"`
}

// CheckResponse reports availability across all of the customer's grants for
// the feature, rollovers and top-ups included.
type CheckResponse struct {
	Allowed   bool    `json:"allowed"`
	Unlimited bool    `json:"unlimited"`
	Remaining float64 `json:"remaining"`
}

// TrackRequest records usage of a metered feature and deducts it.
type TrackRequest struct {
	OrgID          snowflake.ID   `json:"organization_id"`
	CustomerID     snowflake.ID   `json:"customer_id"`
	FeatureKey     string         `json:"feature_key"`
	EntityID       string         `json:"entity_id,omitempty"`
	Amount         float64        `json:"amount"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	RecordedAt     time.Time      `json:"recorded_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TrackResponse is the outcome of a tracked deduction.
type TrackResponse struct {
	Deducted  float64 `json:"deducted"`
	Remaining float64 `json:"remaining"`
	Overage   float64 `json:"overage"`
	Duplicate bool    `json:"duplicate"`
}

// AdjustRequest moves a grant's adjustment by Delta. Positive deltas give
// extra allowance without touching the periodic balance.
type AdjustRequest struct {
	OrgID    snowflake.ID `json:"organization_id"`
	GrantID  snowflake.ID `json:"grant_id"`
	EntityID string       `json:"entity_id,omitempty"`
	Delta    float64      `json:"delta"`
	Reason   string       `json:"reason,omitempty"`
}

// TopUpRequest adds purchased balance to a grant's additional pool.
type TopUpRequest struct {
	OrgID   snowflake.ID `json:"organization_id"`
	GrantID snowflake.ID `json:"grant_id"`
	Amount  float64      `json:"amount"`
}

// CreateGrantRequest creates a grant, typically on subscription provisioning.
type CreateGrantRequest struct {
	OrgID              snowflake.ID   `json:"organization_id"`
	CustomerID         snowflake.ID   `json:"customer_id"`
	FeatureKey         string         `json:"feature_key"`
	SubscriptionItemID snowflake.ID   `json:"subscription_item_id,omitempty"`
	Balance            *float64       `json:"balance"`
	BaseAllowance      float64        `json:"base_allowance"`
	Entities           []string       `json:"entities,omitempty"`
	ResetInterval      ResetInterval  `json:"reset_interval,omitempty"`
	ResetAnchor        *time.Time     `json:"reset_anchor,omitempty"`
	RolloverPolicy     RolloverPolicy `json:"rollover_policy,omitempty"`
	RolloverMonths     int            `json:"rollover_months,omitempty"`
}

// BalanceSummary is the read-model of one grant for the balances endpoint.
type BalanceSummary struct {
	GrantID           snowflake.ID             `json:"grant_id"`
	FeatureKey        string                   `json:"feature_key"`
	Unlimited         bool                     `json:"unlimited"`
	Balance           float64                  `json:"balance"`
	Adjustment        float64                  `json:"adjustment"`
	AdditionalBalance float64                  `json:"additional_balance"`
	RolloverBalance   float64                  `json:"rollover_balance"`
	Entities          map[string]EntityBalance `json:"entities,omitempty"`
	NextResetAt       *time.Time               `json:"next_reset_at,omitempty"`
}

type Service interface {
	Check(context.Context, CheckRequest) (*CheckResponse, error)
	Track(context.Context, TrackRequest) (*TrackResponse, error)
	Adjust(context.Context, AdjustRequest) (*Grant, error)
	TopUp(context.Context, TopUpRequest) (*Grant, error)
	CreateGrant(context.Context, CreateGrantRequest) (*Grant, error)
	Balances(ctx context.Context, orgID, customerID snowflake.ID) ([]BalanceSummary, error)
}
