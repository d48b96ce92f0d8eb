// Package eventbatch buffers usage events in memory and flushes them to the
// configured sinks, either when the buffer fills or after a debounce window.
package eventbatch

import "time"

// EventType classifies what happened to a balance.
type EventType string

const (
	EventUsageTracked EventType = "usage.tracked"
	EventOverage      EventType = "usage.overage"
	EventGrantReset   EventType = "grant.reset"
	EventAdjustment   EventType = "grant.adjusted"
	EventTopUp        EventType = "grant.topup"
)

// Event is one balance change fanned out to the sinks. The id is assigned by
// the producer so a failed delivery can be traced back to the change that
// caused it.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	OrgID      string         `json:"organization_id"`
	CustomerID string         `json:"customer_id"`
	FeatureKey string         `json:"feature_key,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Amount     float64        `json:"amount,omitempty"`
	Remaining  float64        `json:"remaining,omitempty"`
	Overage    float64        `json:"overage,omitempty"`
	At         time.Time      `json:"at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
