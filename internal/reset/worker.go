// Package reset runs the grant reset worker: it scans for grants whose
// period has ended, carries unused balance into rollover records per the
// grant's policy, restores the base allowance and schedules the next reset.
package reset

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
	"github.com/meterline/meterline/internal/eventbatch"
	obsmetrics "github.com/meterline/meterline/internal/observability/metrics"
)

const runTimeout = 30 * time.Second

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Holder  *config.EngineConfigHolder
	Repo    entitlementdomain.Repository
	Cache   *cache.CustomerBalanceCache `optional:"true"`
	Batcher *eventbatch.Batcher         `optional:"true"`
	Metrics *obsmetrics.Metrics         `optional:"true"`
}

type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	holder  *config.EngineConfigHolder
	repo    entitlementdomain.Repository
	cache   *cache.CustomerBalanceCache
	batcher *eventbatch.Batcher
	metrics *obsmetrics.Metrics
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("reset"),
		genID:   p.GenID,
		clock:   p.Clock,
		holder:  p.Holder,
		repo:    p.Repo,
		cache:   p.Cache,
		batcher: p.Batcher,
		metrics: p.Metrics,
	}
}

// RunForever loops RunOnce at the configured interval. The interval is read
// from the hot-reloaded engine config on every pass.
func (w *Worker) RunForever(ctx context.Context) {
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("reset run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.holder.Get().ResetInterval):
		}
	}
}

// RunOnce claims one batch of due grants, resets each in its own
// transaction, and purges expired rollovers. Returns how many grants reset.
func (w *Worker) RunOnce(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, runTimeout)
	defer cancel()

	now := w.clock.Now()
	batchSize := w.holder.Get().ResetBatchSize

	var due []entitlementdomain.Grant
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		due, err = w.repo.ClaimDueGrants(ctx, tx, now, batchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, grant := range due {
		if err := w.resetGrant(ctx, grant, now); err != nil {
			w.log.Warn("grant reset failed",
				zap.String("grant_id", grant.ID.String()),
				zap.Error(err),
			)
			continue
		}
		processed++
	}

	if purged, err := w.repo.DeleteExpiredRollovers(ctx, w.db, now); err != nil {
		w.log.Warn("rollover purge failed", zap.Error(err))
	} else if purged > 0 {
		w.log.Debug("purged expired rollovers", zap.Int64("count", purged))
	}

	return processed, nil
}

func (w *Worker) resetGrant(ctx context.Context, grant entitlementdomain.Grant, now time.Time) error {
	if grant.NextResetAt == nil {
		return nil
	}

	var update entitlementdomain.GrantUpdate
	var stale []snowflake.ID
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		update, err = w.buildReset(ctx, tx, grant, now)
		if err != nil {
			return err
		}
		stale, err = w.repo.ApplyGrantUpdates(ctx, tx, grant.OrgID, []entitlementdomain.GrantUpdate{update})
		return err
	})
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		// Another worker reset this grant between claim and apply. The
		// guard made our write a no-op; nothing else to do.
		w.log.Debug("reset skipped, grant already advanced",
			zap.String("grant_id", grant.ID.String()),
		)
		return nil
	}

	w.cache.Invalidate(ctx, grant.OrgID, grant.CustomerID)
	w.metrics.RecordGrantReset(ctx, update.RolloverInsert != nil)
	if w.batcher != nil {
		w.batcher.Add(eventbatch.Event{
			ID:         w.genID.Generate().String(),
			Type:       eventbatch.EventGrantReset,
			OrgID:      grant.OrgID.String(),
			CustomerID: grant.CustomerID.String(),
			FeatureKey: grant.FeatureKey,
			At:         now,
		})
	}
	return nil
}

// buildReset computes the whole reset as one guarded update: roll unused
// balance, restore the base allowance and advance next_reset_at. The
// expected_next_reset_at guard makes re-running it a no-op.
func (w *Worker) buildReset(ctx context.Context, tx *gorm.DB, grant entitlementdomain.Grant, now time.Time) (entitlementdomain.GrantUpdate, error) {
	scheduledAt := *grant.NextResetAt
	next := entitlementdomain.NextReset(scheduledAt, grant.ResetInterval, grant.ResetAnchor)
	for !next.After(now) {
		// Catch up when the worker was down across several periods.
		next = entitlementdomain.NextReset(next, grant.ResetInterval, grant.ResetAnchor)
	}

	update := entitlementdomain.GrantUpdate{
		GrantID:             grant.ID,
		NextResetAt:         &next,
		ExpectedNextResetAt: grant.NextResetAt,
	}

	rollover, err := w.buildRollover(ctx, tx, grant, scheduledAt)
	if err != nil {
		return update, err
	}
	update.RolloverInsert = rollover

	if grant.EntityScoped() {
		entities := grant.Entities.Data()
		resetEntities := make(map[string]entitlementdomain.EntityBalance, len(entities))
		for entityID, eb := range entities {
			resetEntities[entityID] = entitlementdomain.EntityBalance{
				InternalID: eb.InternalID,
				Balance:    grant.BaseAllowance,
				Adjustment: eb.Adjustment,
			}
		}
		update.Entities = resetEntities
	} else if grant.Balance != nil {
		update.Balance = entitlementdomain.Float64Ptr(grant.BaseAllowance)
	}
	return update, nil
}

// buildRollover carries positive unused balance into a new rollover record,
// or returns nil when the policy discards it. When the customer holds
// several grants for the same feature, the rollover attaches to the first
// one by ID so every worker agrees on its home.
func (w *Worker) buildRollover(ctx context.Context, tx *gorm.DB, grant entitlementdomain.Grant, resetAt time.Time) (*entitlementdomain.Rollover, error) {
	if grant.RolloverPolicy == "" || grant.RolloverPolicy == entitlementdomain.RolloverPolicyNone {
		return nil, nil
	}

	rollover := &entitlementdomain.Rollover{
		ID:        w.genID.Generate(),
		OrgID:     grant.OrgID,
		GrantID:   grant.ID,
		ExpiresAt: entitlementdomain.RolloverExpiry(resetAt, grant.RolloverPolicy, grant.RolloverMonths),
		CreatedAt: resetAt,
	}

	if grant.EntityScoped() {
		leftovers := make(map[string]float64)
		for entityID, eb := range grant.Entities.Data() {
			if eb.Balance > 0 {
				leftovers[entityID] = eb.Balance
			}
		}
		if len(leftovers) == 0 {
			return nil, nil
		}
		rollover.Entities = datatypes.NewJSONType(leftovers)
	} else {
		if grant.Balance == nil || *grant.Balance <= 0 {
			return nil, nil
		}
		rollover.Balance = *grant.Balance
	}

	siblings, err := w.repo.GrantsForCustomerFeature(ctx, tx, grant.OrgID, grant.CustomerID, grant.FeatureKey)
	if err != nil {
		return nil, err
	}
	if len(siblings) > 0 && siblings[0].ID != grant.ID {
		rollover.GrantID = siblings[0].ID
	}
	return rollover, nil
}
