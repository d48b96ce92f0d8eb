package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// GrantUpdate describes the delta of one grant produced by a deduction or a
// reset. Pointer fields are written only when non-nil; the zero update is a
// no-op. Updates are applied in a single transaction by the repository.
type GrantUpdate struct {
	GrantID snowflake.ID `json:"grant_id"`

	Balance           *float64 `json:"balance,omitempty"`
	AdditionalBalance *float64 `json:"additional_balance,omitempty"`
	Adjustment        *float64 `json:"adjustment,omitempty"`

	Entities map[string]EntityBalance `json:"entities,omitempty"`

	NextResetAt *time.Time `json:"next_reset_at,omitempty"`

	// ExpectedNextResetAt guards against applying a stale reset twice: the
	// update row is skipped unless the stored next_reset_at still matches.
	ExpectedNextResetAt *time.Time `json:"expected_next_reset_at,omitempty"`

	RolloverInsert    *Rollover        `json:"rollover_insert,omitempty"`
	RolloverUpdates   []RolloverUpdate `json:"rollover_updates,omitempty"`
	RolloverDeleteIDs []snowflake.ID   `json:"rollover_delete_ids,omitempty"`
}

// RolloverUpdate is a balance write-back for one rollover record.
type RolloverUpdate struct {
	RolloverID snowflake.ID       `json:"rollover_id"`
	Balance    *float64           `json:"balance,omitempty"`
	Entities   map[string]float64 `json:"entities,omitempty"`
}

// Empty reports whether the update carries no writes at all.
func (u GrantUpdate) Empty() bool {
	return u.Balance == nil &&
		u.AdditionalBalance == nil &&
		u.Adjustment == nil &&
		u.Entities == nil &&
		u.NextResetAt == nil &&
		u.RolloverInsert == nil &&
		len(u.RolloverUpdates) == 0 &&
		len(u.RolloverDeleteIDs) == 0
}
