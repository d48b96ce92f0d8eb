package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meterline/meterline/internal/balance"
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/clock"
	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
	"github.com/meterline/meterline/internal/eventbatch"
	featuredomain "github.com/meterline/meterline/internal/feature/domain"
	obsmetrics "github.com/meterline/meterline/internal/observability/metrics"
	"github.com/meterline/meterline/internal/orgcontext"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
)

// errDuplicateTrack aborts the deduction transaction when the idempotency
// key lost the insert race.
var errDuplicateTrack = errors.New("duplicate_track")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        entitlementdomain.Repository
	FeatureRepo featuredomain.Repository
	UsageRepo   usagedomain.Repository
	Cache       *cache.CustomerBalanceCache `optional:"true"`
	Features    cache.FeatureResolverCache  `optional:"true"`
	Batcher     *eventbatch.Batcher         `optional:"true"`
	Metrics     *obsmetrics.Metrics         `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        entitlementdomain.Repository
	featureRepo featuredomain.Repository
	usageRepo   usagedomain.Repository
	cache       *cache.CustomerBalanceCache
	features    cache.FeatureResolverCache
	batcher     *eventbatch.Batcher
	metrics     *obsmetrics.Metrics
}

func NewService(p Params) entitlementdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("entitlement.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		featureRepo: p.FeatureRepo,
		usageRepo:   p.UsageRepo,
		cache:       p.Cache,
		features:    p.Features,
		batcher:     p.Batcher,
		metrics:     p.Metrics,
	}
}

func (s *Service) resolveOrgID(ctx context.Context, orgID snowflake.ID) (snowflake.ID, error) {
	if orgID != 0 {
		return orgID, nil
	}
	if fromCtx, ok := orgcontext.OrgIDFromContext(ctx); ok && fromCtx != 0 {
		return fromCtx, nil
	}
	return 0, entitlementdomain.ErrInvalidGrant
}

// Check answers an entitlement question from the cache when possible and
// falls back to the database on a miss. Read-only.
func (s *Service) Check(ctx context.Context, req entitlementdomain.CheckRequest) (*entitlementdomain.CheckResponse, error) {
	orgID, err := s.resolveOrgID(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	if req.CustomerID == 0 {
		return nil, entitlementdomain.ErrInvalidGrant
	}
	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		return nil, usagedomain.ErrInvalidFeatureKey
	}
	now := s.clock.Now()

	grants, rollovers, ok := s.stateFromCache(ctx, orgID, req.CustomerID)
	if !ok {
		grants, rollovers, err = s.loadAndHydrate(ctx, orgID, req.CustomerID, now)
		if err != nil {
			return nil, err
		}
	}

	matched := false
	for _, g := range grants {
		if g.FeatureKey == featureKey {
			matched = true
			break
		}
	}
	if !matched {
		return &entitlementdomain.CheckResponse{Allowed: false}, nil
	}

	remaining, unlimited := balance.Available(grants, rollovers, featureKey, req.EntityID, now)
	allowed := unlimited || remaining > 0
	if req.Amount > 0 && !unlimited {
		allowed = remaining >= req.Amount
	}
	return &entitlementdomain.CheckResponse{
		Allowed:   allowed,
		Unlimited: unlimited,
		Remaining: remaining,
	}, nil
}

// Track deducts usage in one transaction: the balance engine plans the
// deltas, the repository applies them, and the usage event row makes the
// whole operation idempotent. The cache is patched after commit without
// blocking the caller.
func (s *Service) Track(ctx context.Context, req entitlementdomain.TrackRequest) (*entitlementdomain.TrackResponse, error) {
	orgID, err := s.resolveOrgID(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	if req.CustomerID == 0 {
		return nil, entitlementdomain.ErrInvalidGrant
	}
	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		return nil, usagedomain.ErrInvalidFeatureKey
	}
	if req.Amount <= 0 {
		return nil, usagedomain.ErrInvalidAmount
	}
	now := s.clock.Now()
	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}

	idempotencyKey := normalizeIdempotencyKey(req.IdempotencyKey)
	if idempotencyKey != nil {
		existing, err := s.usageRepo.FindByIdempotencyKey(ctx, s.db, orgID, *idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return duplicateResponse(existing), nil
		}
	}

	feature, err := s.lookupFeature(ctx, orgID, featureKey)
	if err != nil {
		return nil, err
	}
	policy := policyFromFeature(feature)

	var result balance.Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		grants, err := s.repo.GrantsForCustomerFeatureLocked(ctx, tx, orgID, req.CustomerID, featureKey)
		if err != nil {
			return err
		}
		if len(grants) == 0 {
			return entitlementdomain.ErrFeatureNotGranted
		}
		rollovers, err := s.repo.RolloversForGrants(ctx, tx, grantIDs(grants))
		if err != nil {
			return err
		}

		result, err = balance.Deduct(grants, rollovers, balance.Request{
			FeatureKey: featureKey,
			EntityID:   req.EntityID,
			Amount:     req.Amount,
			Now:        now,
		}, policy)
		if err != nil {
			return err
		}

		if _, err := s.repo.ApplyGrantUpdates(ctx, tx, orgID, result.Updates); err != nil {
			return err
		}

		inserted, err := s.usageRepo.Insert(ctx, tx, &usagedomain.UsageEvent{
			ID:             s.genID.Generate(),
			OrgID:          orgID,
			CustomerID:     req.CustomerID,
			FeatureKey:     featureKey,
			EntityID:       req.EntityID,
			Amount:         req.Amount,
			Deducted:       result.Deducted,
			Overage:        result.Overage,
			RecordedAt:     recordedAt,
			IdempotencyKey: idempotencyKey,
			Metadata:       datatypes.JSONMap(req.Metadata),
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicateTrack
		}
		return nil
	})
	if errors.Is(err, errDuplicateTrack) {
		existing, findErr := s.usageRepo.FindByIdempotencyKey(ctx, s.db, orgID, *idempotencyKey)
		if findErr != nil || existing == nil {
			return nil, err
		}
		return duplicateResponse(existing), nil
	}
	if err != nil {
		return nil, err
	}

	s.afterTrack(ctx, orgID, req, result, now)

	return &entitlementdomain.TrackResponse{
		Deducted:  result.Deducted,
		Remaining: result.Remaining,
		Overage:   result.Overage,
	}, nil
}

func (s *Service) afterTrack(ctx context.Context, orgID snowflake.ID, req entitlementdomain.TrackRequest, result balance.Result, now time.Time) {
	s.cache.ApplyUpdatesAsync(orgID, req.CustomerID, result.Updates)

	s.metrics.RecordUsageTracked(ctx, req.FeatureKey)
	s.metrics.RecordDeduction(ctx, req.FeatureKey, result.Deducted)
	if result.Overage > 0 {
		s.metrics.RecordOverage(ctx, req.FeatureKey, result.Overage)
	}

	if s.batcher == nil {
		return
	}
	s.batcher.Add(eventbatch.Event{
		ID:         s.genID.Generate().String(),
		Type:       eventbatch.EventUsageTracked,
		OrgID:      orgID.String(),
		CustomerID: req.CustomerID.String(),
		FeatureKey: req.FeatureKey,
		EntityID:   req.EntityID,
		Amount:     req.Amount,
		Remaining:  result.Remaining,
		Overage:    result.Overage,
		At:         now,
		Metadata:   req.Metadata,
	})
	if result.Overage > 0 {
		s.batcher.Add(eventbatch.Event{
			ID:         s.genID.Generate().String(),
			Type:       eventbatch.EventOverage,
			OrgID:      orgID.String(),
			CustomerID: req.CustomerID.String(),
			FeatureKey: req.FeatureKey,
			EntityID:   req.EntityID,
			Amount:     result.Overage,
			At:         now,
		})
	}
}

// Adjust moves a grant's adjustment. Entity-scoped grants adjust the named
// entity's sub-balance.
func (s *Service) Adjust(ctx context.Context, req entitlementdomain.AdjustRequest) (*entitlementdomain.Grant, error) {
	orgID, err := s.resolveOrgID(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	if req.GrantID == 0 || req.Delta == 0 {
		return nil, entitlementdomain.ErrInvalidGrant
	}

	grant, err := s.repo.FindByID(ctx, s.db, orgID, req.GrantID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, entitlementdomain.ErrGrantNotFound
	}

	update := entitlementdomain.GrantUpdate{GrantID: grant.ID}
	if grant.EntityScoped() {
		if req.EntityID == "" {
			return nil, entitlementdomain.ErrEntityIDRequired
		}
		entities := grant.Entities.Data()
		eb, ok := entities[req.EntityID]
		if !ok {
			return nil, entitlementdomain.ErrEntityNotFound
		}
		eb.Adjustment += req.Delta
		entities[req.EntityID] = eb
		grant.Entities = datatypes.NewJSONType(entities)
		update.Entities = entities
	} else {
		grant.Adjustment += req.Delta
		update.Adjustment = entitlementdomain.Float64Ptr(grant.Adjustment)
	}

	if _, err := s.repo.ApplyGrantUpdates(ctx, s.db, orgID, []entitlementdomain.GrantUpdate{update}); err != nil {
		return nil, err
	}

	s.cache.ApplyUpdatesAsync(orgID, grant.CustomerID, []entitlementdomain.GrantUpdate{update})
	s.emitGrantEvent(eventbatch.EventAdjustment, orgID, grant, req.Delta, map[string]any{"reason": req.Reason})
	return grant, nil
}

// TopUp adds purchased balance to a grant's additional pool.
func (s *Service) TopUp(ctx context.Context, req entitlementdomain.TopUpRequest) (*entitlementdomain.Grant, error) {
	orgID, err := s.resolveOrgID(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	if req.GrantID == 0 || req.Amount <= 0 {
		return nil, entitlementdomain.ErrInvalidGrant
	}

	grant, err := s.repo.FindByID(ctx, s.db, orgID, req.GrantID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, entitlementdomain.ErrGrantNotFound
	}

	granted := req.Amount
	if grant.AdditionalGrantedBalance != nil {
		granted += *grant.AdditionalGrantedBalance
	}
	remaining := req.Amount
	if grant.AdditionalBalance != nil {
		remaining += *grant.AdditionalBalance
	}
	grant.AdditionalGrantedBalance = &granted
	grant.AdditionalBalance = &remaining

	err = s.db.WithContext(ctx).Model(&entitlementdomain.Grant{}).
		Where("id = ? AND org_id = ?", grant.ID, orgID).
		Updates(map[string]any{
			"additional_granted_balance": granted,
			"additional_balance":         remaining,
			"updated_at":                 s.clock.Now(),
		}).Error
	if err != nil {
		return nil, err
	}

	update := entitlementdomain.GrantUpdate{
		GrantID:           grant.ID,
		AdditionalBalance: &remaining,
	}
	s.cache.ApplyUpdatesAsync(orgID, grant.CustomerID, []entitlementdomain.GrantUpdate{update})
	s.emitGrantEvent(eventbatch.EventTopUp, orgID, grant, req.Amount, nil)
	return grant, nil
}

// CreateGrant provisions a new allowance for a customer.
func (s *Service) CreateGrant(ctx context.Context, req entitlementdomain.CreateGrantRequest) (*entitlementdomain.Grant, error) {
	orgID, err := s.resolveOrgID(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	if req.CustomerID == 0 {
		return nil, entitlementdomain.ErrInvalidGrant
	}
	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		return nil, usagedomain.ErrInvalidFeatureKey
	}
	if req.RolloverPolicy == "" {
		req.RolloverPolicy = entitlementdomain.RolloverPolicyNone
	}

	feature, err := s.lookupFeature(ctx, orgID, featureKey)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	grant := &entitlementdomain.Grant{
		ID:                 s.genID.Generate(),
		OrgID:              orgID,
		CustomerID:         req.CustomerID,
		FeatureID:          feature.ID,
		FeatureKey:         featureKey,
		SubscriptionItemID: req.SubscriptionItemID,
		Balance:            req.Balance,
		BaseAllowance:      req.BaseAllowance,
		ResetInterval:      req.ResetInterval,
		ResetAnchor:        req.ResetAnchor,
		RolloverPolicy:     req.RolloverPolicy,
		RolloverMonths:     req.RolloverMonths,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if grant.Balance == nil && req.BaseAllowance > 0 && len(req.Entities) == 0 {
		grant.Balance = entitlementdomain.Float64Ptr(req.BaseAllowance)
	}
	if len(req.Entities) > 0 {
		entities := make(map[string]entitlementdomain.EntityBalance, len(req.Entities))
		for _, entityID := range req.Entities {
			entityID = strings.TrimSpace(entityID)
			if entityID == "" {
				continue
			}
			entities[entityID] = entitlementdomain.EntityBalance{Balance: req.BaseAllowance}
		}
		grant.Entities = datatypes.NewJSONType(entities)
		grant.Balance = nil
	}
	if req.ResetInterval != "" {
		next := entitlementdomain.NextReset(now, req.ResetInterval, req.ResetAnchor)
		grant.NextResetAt = &next
	}

	if err := s.repo.Insert(ctx, s.db, grant); err != nil {
		return nil, err
	}

	// A new grant changes the balance projection shape, not just values.
	s.cache.Invalidate(ctx, orgID, req.CustomerID)
	return grant, nil
}

// Balances builds the read-model for every grant of a customer directly from
// the database and re-hydrates the cache on the way out.
func (s *Service) Balances(ctx context.Context, orgID, customerID snowflake.ID) ([]entitlementdomain.BalanceSummary, error) {
	orgID, err := s.resolveOrgID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if customerID == 0 {
		return nil, entitlementdomain.ErrInvalidGrant
	}
	now := s.clock.Now()

	grants, rollovers, err := s.loadAndHydrate(ctx, orgID, customerID, now)
	if err != nil {
		return nil, err
	}

	rolloverTotals := make(map[snowflake.ID]float64)
	for _, r := range rollovers {
		if r.Expired(now) {
			continue
		}
		total := r.Balance
		for _, b := range r.Entities.Data() {
			total += b
		}
		rolloverTotals[r.GrantID] += total
	}

	summaries := make([]entitlementdomain.BalanceSummary, 0, len(grants))
	for _, g := range grants {
		summary := entitlementdomain.BalanceSummary{
			GrantID:         g.ID,
			FeatureKey:      g.FeatureKey,
			Unlimited:       g.Balance == nil && !g.EntityScoped(),
			Adjustment:      g.Adjustment,
			RolloverBalance: rolloverTotals[g.ID],
			NextResetAt:     g.NextResetAt,
		}
		if g.Balance != nil {
			summary.Balance = *g.Balance
		}
		if g.AdditionalBalance != nil {
			summary.AdditionalBalance = *g.AdditionalBalance
		}
		if entities := g.Entities.Data(); len(entities) > 0 {
			summary.Entities = entities
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Service) stateFromCache(ctx context.Context, orgID, customerID snowflake.ID) ([]entitlementdomain.Grant, []entitlementdomain.Rollover, bool) {
	blob, ok := s.cache.Get(ctx, orgID, customerID)
	if !ok {
		return nil, nil, false
	}
	grants, rollovers := cache.StateFromBlob(blob)
	return grants, rollovers, true
}

func (s *Service) loadAndHydrate(ctx context.Context, orgID, customerID snowflake.ID, now time.Time) ([]entitlementdomain.Grant, []entitlementdomain.Rollover, error) {
	grants, err := s.repo.GrantsForCustomer(ctx, s.db, orgID, customerID)
	if err != nil {
		return nil, nil, err
	}
	rollovers, err := s.repo.RolloversForGrants(ctx, s.db, grantIDs(grants))
	if err != nil {
		return nil, nil, err
	}
	s.cache.Set(ctx, orgID, customerID, cache.BlobFromState(grants, rollovers, now))
	return grants, rollovers, nil
}

func (s *Service) lookupFeature(ctx context.Context, orgID snowflake.ID, featureKey string) (*featuredomain.Feature, error) {
	if s.features != nil {
		if feature, ok := s.features.GetFeature(orgID.String(), featureKey); ok {
			return feature, nil
		}
	}

	features, err := s.featureRepo.ListByKeys(ctx, s.db, orgID, []string{featureKey})
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, featuredomain.ErrNotFound
	}
	if s.features != nil {
		s.features.SetFeature(orgID.String(), featureKey, &features[0])
	}
	return &features[0], nil
}

func (s *Service) emitGrantEvent(eventType eventbatch.EventType, orgID snowflake.ID, grant *entitlementdomain.Grant, amount float64, metadata map[string]any) {
	if s.batcher == nil {
		return
	}
	s.batcher.Add(eventbatch.Event{
		ID:         s.genID.Generate().String(),
		Type:       eventType,
		OrgID:      orgID.String(),
		CustomerID: grant.CustomerID.String(),
		FeatureKey: grant.FeatureKey,
		Amount:     amount,
		At:         s.clock.Now(),
		Metadata:   metadata,
	})
}

func policyFromFeature(feature *featuredomain.Feature) balance.Policy {
	policy := balance.Policy{}
	if feature == nil || feature.Metadata == nil {
		return policy
	}
	if v, ok := feature.Metadata["allow_negative"].(bool); ok {
		policy.AllowNegative = v
	}
	if v, ok := feature.Metadata["block_usage_limit"].(bool); ok {
		policy.BlockUsageLimit = v
	}
	return policy
}

func normalizeIdempotencyKey(key *string) *string {
	if key == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*key)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func duplicateResponse(event *usagedomain.UsageEvent) *entitlementdomain.TrackResponse {
	return &entitlementdomain.TrackResponse{
		Deducted:  event.Deducted,
		Overage:   event.Overage,
		Duplicate: true,
	}
}

func grantIDs(grants []entitlementdomain.Grant) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.ID)
	}
	return ids
}
