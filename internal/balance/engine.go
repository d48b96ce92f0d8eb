// Package balance implements the deduction engine: given a customer's grants
// and rollovers it decides which pools pay for a usage amount and emits the
// grant updates to persist. It performs no I/O, so the same inputs always
// produce the same updates.
package balance

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/meterline/meterline/internal/entitlement/domain"
)

// Request is one deduction against a feature.
type Request struct {
	FeatureKey string
	EntityID   string
	Amount     float64
	Now        time.Time
}

// Policy tunes how shortfalls are handled.
type Policy struct {
	// AllowNegative lets the last candidate pool go below zero instead of
	// reporting overage.
	AllowNegative bool
	// BlockUsageLimit suppresses negative application even when
	// AllowNegative is set; the shortfall is reported as overage instead.
	BlockUsageLimit bool
}

// Result is the outcome of a deduction.
type Result struct {
	// Deducted is how much was actually taken from finite pools.
	Deducted float64
	// Remaining is the total balance left across all pools after deduction.
	Remaining float64
	// Overage is the part of the request no pool could cover.
	Overage float64
	// Unlimited is set when an unlimited grant absorbed part of the request.
	Unlimited bool
	// Updates are the grant deltas to persist, one per touched grant.
	Updates []domain.GrantUpdate
}

// Deduct draws req.Amount from the customer's pools for req.FeatureKey.
// Draw order: non-expired rollovers soonest expiry first, then additional
// balances, then main balances. Within a tier, grants are visited in
// ascending ID order so concurrent deductions converge on the same plan.
func Deduct(grants []domain.Grant, rollovers []domain.Rollover, req Request, policy Policy) (Result, error) {
	if req.Amount < 0 {
		return Result{}, domain.ErrInsufficientAmount
	}

	candidates := make([]domain.Grant, 0, len(grants))
	for _, g := range grants {
		if g.FeatureKey == req.FeatureKey {
			candidates = append(candidates, g)
		}
	}
	if len(candidates) == 0 {
		return Result{}, domain.ErrFeatureNotGranted
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID < candidates[j].ID
	})

	entityScoped := false
	for _, g := range candidates {
		if g.EntityScoped() {
			entityScoped = true
			break
		}
	}
	if entityScoped && req.EntityID == "" {
		return Result{}, domain.ErrEntityIDRequired
	}

	st := newState(candidates, rollovers, req.Now)
	remaining := req.Amount

	remaining = st.drainRollovers(remaining, req.EntityID)
	remaining = st.drainAdditional(remaining)
	remaining, unlimited := st.drainMain(remaining, req.EntityID)

	overage := 0.0
	if remaining > 0 {
		if policy.AllowNegative && !policy.BlockUsageLimit {
			st.applyNegative(remaining, req.EntityID)
			remaining = 0
		} else {
			overage = remaining
		}
	}

	res := Result{
		Deducted:  req.Amount - overage,
		Overage:   overage,
		Unlimited: unlimited,
		Updates:   st.updates(),
	}
	total, _ := Available(st.grantsNow(), st.rolloversNow(), req.FeatureKey, req.EntityID, req.Now)
	res.Remaining = total
	return res, nil
}

// Available sums what is left for a feature across every pool. entityID may
// be empty for an aggregate read even on entity-scoped grants. The bool
// result reports whether any matching grant is unlimited.
func Available(grants []domain.Grant, rollovers []domain.Rollover, featureKey, entityID string, now time.Time) (float64, bool) {
	total := 0.0
	unlimited := false
	matched := make(map[snowflake.ID]bool)
	for _, g := range grants {
		if g.FeatureKey != featureKey {
			continue
		}
		matched[g.ID] = true
		if g.EntityScoped() {
			entities := g.Entities.Data()
			if entityID != "" {
				if eb, ok := entities[entityID]; ok {
					total += eb.Balance + eb.Adjustment
				}
			} else {
				for _, eb := range entities {
					total += eb.Balance + eb.Adjustment
				}
			}
		} else if g.Balance == nil {
			unlimited = true
		} else {
			total += *g.Balance + g.Adjustment
		}
		if g.AdditionalBalance != nil {
			total += *g.AdditionalBalance
		}
	}
	for _, r := range rollovers {
		if !matched[r.GrantID] || r.Expired(now) {
			continue
		}
		entities := r.Entities.Data()
		if len(entities) > 0 {
			if entityID != "" {
				total += entities[entityID]
			} else {
				for _, b := range entities {
					total += b
				}
			}
		} else {
			total += r.Balance
		}
	}
	return total, unlimited
}
