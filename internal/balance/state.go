package balance

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	"github.com/meterline/meterline/internal/entitlement/domain"
)

// state holds mutable copies of the pools while a deduction walks the tiers,
// and remembers which fields changed so updates() can emit minimal deltas.
type state struct {
	now    time.Time
	grants []domain.Grant

	rollovers       []domain.Rollover
	rolloverByGrant map[snowflake.ID][]int

	balanceDirty    map[snowflake.ID]bool
	additionalDirty map[snowflake.ID]bool
	entitiesDirty   map[snowflake.ID]bool
	rolloverDirty   map[snowflake.ID]bool
	rolloverDeleted map[snowflake.ID]bool
}

func newState(grants []domain.Grant, rollovers []domain.Rollover, now time.Time) *state {
	st := &state{
		now:             now,
		grants:          make([]domain.Grant, len(grants)),
		rolloverByGrant: make(map[snowflake.ID][]int),
		balanceDirty:    make(map[snowflake.ID]bool),
		additionalDirty: make(map[snowflake.ID]bool),
		entitiesDirty:   make(map[snowflake.ID]bool),
		rolloverDirty:   make(map[snowflake.ID]bool),
		rolloverDeleted: make(map[snowflake.ID]bool),
	}
	copy(st.grants, grants)
	// JSONType.Data() exposes the underlying map, so the caller's grants and
	// rollovers would be written through without these copies.
	for i := range st.grants {
		if entities := st.grants[i].Entities.Data(); len(entities) > 0 {
			st.grants[i].Entities = datatypes.NewJSONType(cloneEntityBalances(entities))
		}
	}

	granted := make(map[snowflake.ID]bool, len(grants))
	for _, g := range grants {
		granted[g.ID] = true
	}
	for _, r := range rollovers {
		if granted[r.GrantID] {
			if entities := r.Entities.Data(); len(entities) > 0 {
				r.Entities = datatypes.NewJSONType(cloneFloatMap(entities))
			}
			st.rollovers = append(st.rollovers, r)
		}
	}
	// Soonest expiry pays first; never-expiring rollovers last. IDs break
	// ties so every worker walks the pools in the same order.
	sort.Slice(st.rollovers, func(i, j int) bool {
		a, b := st.rollovers[i], st.rollovers[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if a.GrantID != b.GrantID {
			return a.GrantID < b.GrantID
		}
		return a.ID < b.ID
	})
	for i, r := range st.rollovers {
		st.rolloverByGrant[r.GrantID] = append(st.rolloverByGrant[r.GrantID], i)
	}
	return st
}

func (st *state) drainRollovers(remaining float64, entityID string) float64 {
	for i := range st.rollovers {
		if remaining <= 0 {
			break
		}
		r := &st.rollovers[i]
		if r.Expired(st.now) {
			continue
		}
		entities := r.Entities.Data()
		if len(entities) > 0 {
			avail := entities[entityID]
			if avail <= 0 {
				continue
			}
			take := min(remaining, avail)
			entities[entityID] = avail - take
			r.Entities = datatypes.NewJSONType(entities)
			remaining -= take
		} else {
			if r.Balance <= 0 {
				continue
			}
			take := min(remaining, r.Balance)
			r.Balance -= take
			remaining -= take
		}
		if r.Exhausted() {
			st.rolloverDeleted[r.ID] = true
		} else {
			st.rolloverDirty[r.ID] = true
		}
	}
	return remaining
}

func (st *state) drainAdditional(remaining float64) float64 {
	for i := range st.grants {
		if remaining <= 0 {
			break
		}
		g := &st.grants[i]
		if g.AdditionalBalance == nil || *g.AdditionalBalance <= 0 {
			continue
		}
		take := min(remaining, *g.AdditionalBalance)
		g.AdditionalBalance = domain.Float64Ptr(*g.AdditionalBalance - take)
		remaining -= take
		st.additionalDirty[g.ID] = true
	}
	return remaining
}

func (st *state) drainMain(remaining float64, entityID string) (float64, bool) {
	unlimited := false
	for i := range st.grants {
		if remaining <= 0 {
			break
		}
		g := &st.grants[i]
		if g.EntityScoped() {
			entities := g.Entities.Data()
			eb, ok := entities[entityID]
			if !ok {
				continue
			}
			avail := eb.Balance + eb.Adjustment
			if avail <= 0 {
				continue
			}
			take := min(remaining, avail)
			fromBalance := min(take, max(eb.Balance, 0))
			eb.Balance -= fromBalance
			eb.Adjustment -= take - fromBalance
			entities[entityID] = eb
			g.Entities = datatypes.NewJSONType(entities)
			remaining -= take
			st.entitiesDirty[g.ID] = true
			continue
		}
		if g.Balance == nil {
			// Unlimited grants absorb everything left without a write.
			unlimited = true
			remaining = 0
			break
		}
		avail := *g.Balance + g.Adjustment
		if avail <= 0 {
			continue
		}
		take := min(remaining, avail)
		fromBalance := min(take, max(*g.Balance, 0))
		g.Balance = domain.Float64Ptr(*g.Balance - fromBalance)
		g.Adjustment -= take - fromBalance
		remaining -= take
		st.balanceDirty[g.ID] = true
	}
	return remaining, unlimited
}

// applyNegative pushes the uncovered leftover below zero on the first finite
// main pool. Only reached when no unlimited grant matched.
func (st *state) applyNegative(leftover float64, entityID string) {
	for i := range st.grants {
		g := &st.grants[i]
		if g.EntityScoped() {
			entities := g.Entities.Data()
			if entities == nil {
				entities = map[string]domain.EntityBalance{}
			}
			eb := entities[entityID]
			eb.Balance -= leftover
			entities[entityID] = eb
			g.Entities = datatypes.NewJSONType(entities)
			st.entitiesDirty[g.ID] = true
			return
		}
		if g.Balance == nil {
			continue
		}
		g.Balance = domain.Float64Ptr(*g.Balance - leftover)
		st.balanceDirty[g.ID] = true
		return
	}
}

func (st *state) updates() []domain.GrantUpdate {
	byGrant := make(map[snowflake.ID]*domain.GrantUpdate)
	touch := func(id snowflake.ID) *domain.GrantUpdate {
		if u, ok := byGrant[id]; ok {
			return u
		}
		u := &domain.GrantUpdate{GrantID: id}
		byGrant[id] = u
		return u
	}

	for i := range st.grants {
		g := st.grants[i]
		if st.balanceDirty[g.ID] {
			touch(g.ID).Balance = g.Balance
			touch(g.ID).Adjustment = domain.Float64Ptr(g.Adjustment)
		}
		if st.additionalDirty[g.ID] {
			touch(g.ID).AdditionalBalance = g.AdditionalBalance
		}
		if st.entitiesDirty[g.ID] {
			// Own copy per update so callers cannot reach back into state.
			touch(g.ID).Entities = cloneEntityBalances(g.Entities.Data())
		}
	}
	for _, r := range st.rollovers {
		if st.rolloverDeleted[r.ID] {
			u := touch(r.GrantID)
			u.RolloverDeleteIDs = append(u.RolloverDeleteIDs, r.ID)
			continue
		}
		if st.rolloverDirty[r.ID] {
			ru := domain.RolloverUpdate{RolloverID: r.ID}
			if entities := r.Entities.Data(); len(entities) > 0 {
				ru.Entities = cloneFloatMap(entities)
			} else {
				ru.Balance = domain.Float64Ptr(r.Balance)
			}
			u := touch(r.GrantID)
			u.RolloverUpdates = append(u.RolloverUpdates, ru)
		}
	}

	ids := make([]snowflake.ID, 0, len(byGrant))
	for id := range byGrant {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]domain.GrantUpdate, 0, len(ids))
	for _, id := range ids {
		out = append(out, *byGrant[id])
	}
	return out
}

func cloneEntityBalances(in map[string]domain.EntityBalance) map[string]domain.EntityBalance {
	out := make(map[string]domain.EntityBalance, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneFloatMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (st *state) grantsNow() []domain.Grant { return st.grants }

func (st *state) rolloversNow() []domain.Rollover {
	out := make([]domain.Rollover, 0, len(st.rollovers))
	for _, r := range st.rollovers {
		if st.rolloverDeleted[r.ID] {
			continue
		}
		out = append(out, r)
	}
	return out
}
