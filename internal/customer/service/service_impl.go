package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/clock"
	customerdomain "github.com/meterline/meterline/internal/customer/domain"
	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
	"github.com/meterline/meterline/internal/orgcontext"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      customerdomain.Repository
	GrantRepo entitlementdomain.Repository
	Cache     *cache.CustomerBalanceCache `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      customerdomain.Repository
	grantRepo entitlementdomain.Repository
	cache     *cache.CustomerBalanceCache
}

func NewService(p Params) customerdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("customer.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		grantRepo: p.GrantRepo,
		cache:     p.Cache,
	}
}

func (s *Service) resolveOrgID(ctx context.Context, orgID snowflake.ID) (snowflake.ID, error) {
	if orgID != 0 {
		return orgID, nil
	}
	if fromCtx, ok := orgcontext.OrgIDFromContext(ctx); ok && fromCtx != 0 {
		return fromCtx, nil
	}
	return 0, customerdomain.ErrInvalidCustomer
}

func (s *Service) CreateCustomer(ctx context.Context, req customerdomain.CreateCustomerRequest) (*customerdomain.Customer, error) {
	orgID, err := s.resolveOrgID(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Email) == "" {
		return nil, customerdomain.ErrInvalidCustomer
	}

	now := s.clock.Now()
	customer := &customerdomain.Customer{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		Name:        strings.TrimSpace(req.Name),
		Email:       strings.TrimSpace(req.Email),
		Fingerprint: req.Fingerprint,
		ProcessorID: req.ProcessorID,
		Metadata:    datatypes.JSONMap(req.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if customer.Metadata == nil {
		customer.Metadata = datatypes.JSONMap{}
	}

	if err := s.repo.CreateCustomer(ctx, s.db, customer); err != nil {
		return nil, err
	}
	return customer, nil
}

func (s *Service) GetCustomer(ctx context.Context, orgID, id snowflake.ID) (*customerdomain.Customer, error) {
	orgID, err := s.resolveOrgID(ctx, orgID)
	if err != nil {
		return nil, err
	}

	customer, err := s.repo.FindCustomerByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, customerdomain.ErrCustomerNotFound
	}
	return customer, nil
}

// UpdateCustomer patches flat customer fields in the store and mirrors the
// patch onto the cached blob without touching its entitlements. A cache miss
// just means the next read re-hydrates.
func (s *Service) UpdateCustomer(ctx context.Context, req customerdomain.UpdateCustomerRequest) (*customerdomain.Customer, error) {
	orgID, err := s.resolveOrgID(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}

	customer, err := s.repo.FindCustomerByID(ctx, s.db, orgID, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, customerdomain.ErrCustomerNotFound
	}

	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, customerdomain.ErrInvalidCustomer
		}
		customer.Name = strings.TrimSpace(*req.Name)
	}
	if req.Email != nil {
		if strings.TrimSpace(*req.Email) == "" {
			return nil, customerdomain.ErrInvalidCustomer
		}
		customer.Email = strings.TrimSpace(*req.Email)
	}
	if req.Fingerprint != nil {
		customer.Fingerprint = *req.Fingerprint
	}
	if req.ProcessorID != nil {
		customer.ProcessorID = *req.ProcessorID
	}
	customer.UpdatedAt = s.clock.Now()

	if err := s.repo.UpdateCustomer(ctx, s.db, customer); err != nil {
		return nil, err
	}

	var patch cache.CustomerPatch
	if req.Name != nil {
		patch.Name = &customer.Name
	}
	if req.Email != nil {
		patch.Email = &customer.Email
	}
	if req.Fingerprint != nil {
		patch.Fingerprint = &customer.Fingerprint
	}
	if req.ProcessorID != nil {
		patch.ProcessorID = &customer.ProcessorID
	}
	if _, err := s.cache.UpdateCustomerData(ctx, orgID, customer.ID, patch); err != nil {
		s.log.Warn("customer cache patch failed",
			zap.String("customer_id", customer.ID.String()),
			zap.Error(err),
		)
		s.cache.Invalidate(ctx, orgID, customer.ID)
	}

	return customer, nil
}

// RegisterEntity creates the entity row and seeds a sub-balance on every
// entity-scoped grant for the feature. Registering an external id that
// already exists is an upsert: mutable fields are patched in place and no
// balance is touched, so applying the same payload twice changes nothing.
func (s *Service) RegisterEntity(ctx context.Context, req customerdomain.RegisterEntityRequest) (*customerdomain.Entity, error) {
	orgID, err := s.resolveOrgID(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	externalID := strings.TrimSpace(req.ExternalID)
	featureKey := strings.TrimSpace(req.FeatureKey)
	if req.CustomerID == 0 || externalID == "" || featureKey == "" {
		return nil, customerdomain.ErrInvalidEntity
	}

	existing, err := s.repo.FindEntityByExternalID(ctx, s.db, orgID, req.CustomerID, featureKey, externalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if req.Name != "" && req.Name != existing.Name {
			existing.Name = req.Name
			existing.UpdatedAt = s.clock.Now()
			if err := s.repo.UpdateEntity(ctx, s.db, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	now := s.clock.Now()
	entity := &customerdomain.Entity{
		InternalID: s.genID.Generate(),
		OrgID:      orgID,
		CustomerID: req.CustomerID,
		ExternalID: externalID,
		FeatureKey: featureKey,
		Name:       req.Name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var seeded []seededGrant
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateEntity(ctx, tx, entity); err != nil {
			return err
		}

		grants, err := s.grantRepo.GrantsForCustomerFeature(ctx, tx, orgID, req.CustomerID, featureKey)
		if err != nil {
			return err
		}

		var updates []entitlementdomain.GrantUpdate
		for _, grant := range grants {
			if !grant.EntityScoped() {
				continue
			}
			entities := grant.Entities.Data()
			if _, ok := entities[externalID]; ok {
				continue
			}
			eb := entitlementdomain.EntityBalance{
				InternalID: entity.InternalID,
				Balance:    grant.BaseAllowance,
			}
			entities[externalID] = eb
			updates = append(updates, entitlementdomain.GrantUpdate{
				GrantID:  grant.ID,
				Entities: entities,
			})
			seeded = append(seeded, seededGrant{grantID: grant.ID, balance: eb})
		}
		if len(updates) == 0 {
			return nil
		}

		_, err = s.grantRepo.ApplyGrantUpdates(ctx, tx, orgID, updates)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, sg := range seeded {
		status, err := s.cache.AppendEntity(ctx, orgID, req.CustomerID, sg.grantID, externalID, sg.balance)
		if err != nil {
			s.log.Warn("append entity to cache failed",
				zap.String("entity_id", externalID),
				zap.Error(err),
			)
			s.cache.Invalidate(ctx, orgID, req.CustomerID)
			break
		}
		if status == cache.EntityExists {
			// The blob holds this external id under another internal id, so
			// it no longer matches the store. Rebuild rather than overwrite.
			s.log.Warn("cached entity conflicts with store",
				zap.String("entity_id", externalID),
				zap.String("grant_id", sg.grantID.String()),
			)
			s.cache.Invalidate(ctx, orgID, req.CustomerID)
			break
		}
		if status == cache.UpdateStale || status == cache.UpdateCacheMiss {
			s.cache.Invalidate(ctx, orgID, req.CustomerID)
			break
		}
	}

	return entity, nil
}

type seededGrant struct {
	grantID snowflake.ID
	balance entitlementdomain.EntityBalance
}

// RemoveEntity soft-deletes the entity and drops its sub-balance from every
// grant that carries one.
func (s *Service) RemoveEntity(ctx context.Context, orgID, customerID, internalID snowflake.ID) error {
	orgID, err := s.resolveOrgID(ctx, orgID)
	if err != nil {
		return err
	}
	if customerID == 0 || internalID == 0 {
		return customerdomain.ErrInvalidEntity
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entity customerdomain.Entity
		if err := tx.Where("org_id = ? AND internal_id = ?", orgID, internalID).First(&entity).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return customerdomain.ErrEntityNotFound
			}
			return err
		}
		if entity.CustomerID != customerID {
			return customerdomain.ErrEntityNotFound
		}

		if err := s.repo.SoftDeleteEntity(ctx, tx, orgID, internalID); err != nil {
			return err
		}

		grants, err := s.grantRepo.GrantsForCustomerFeature(ctx, tx, orgID, customerID, entity.FeatureKey)
		if err != nil {
			return err
		}

		var updates []entitlementdomain.GrantUpdate
		for _, grant := range grants {
			entities := grant.Entities.Data()
			if _, ok := entities[entity.ExternalID]; !ok {
				continue
			}
			delete(entities, entity.ExternalID)
			updates = append(updates, entitlementdomain.GrantUpdate{
				GrantID:  grant.ID,
				Entities: entities,
			})
		}
		if len(updates) == 0 {
			return nil
		}

		_, err = s.grantRepo.ApplyGrantUpdates(ctx, tx, orgID, updates)
		return err
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, orgID, customerID)
	return nil
}

func (s *Service) ListEntities(ctx context.Context, orgID, customerID snowflake.ID, featureKey string) ([]customerdomain.Entity, error) {
	orgID, err := s.resolveOrgID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if customerID == 0 {
		return nil, customerdomain.ErrInvalidCustomer
	}
	return s.repo.ListEntities(ctx, s.db, orgID, customerID, featureKey)
}
