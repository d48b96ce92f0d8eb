package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	customerdomain "github.com/meterline/meterline/internal/customer/domain"
)

type repo struct{}

func Provide() customerdomain.Repository {
	return &repo{}
}

func (r *repo) CreateCustomer(ctx context.Context, db *gorm.DB, customer *customerdomain.Customer) error {
	return db.WithContext(ctx).Create(customer).Error
}

func (r *repo) FindCustomerByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*customerdomain.Customer, error) {
	var customer customerdomain.Customer
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&customer).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (r *repo) UpdateCustomer(ctx context.Context, db *gorm.DB, customer *customerdomain.Customer) error {
	customer.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Save(customer).Error
}

func (r *repo) CreateEntity(ctx context.Context, db *gorm.DB, entity *customerdomain.Entity) error {
	return db.WithContext(ctx).Create(entity).Error
}

func (r *repo) UpdateEntity(ctx context.Context, db *gorm.DB, entity *customerdomain.Entity) error {
	entity.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Save(entity).Error
}

func (r *repo) FindEntityByExternalID(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey, externalID string) (*customerdomain.Entity, error) {
	var entity customerdomain.Entity
	err := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ? AND feature_key = ? AND external_id = ? AND deleted = ?",
			orgID, customerID, featureKey, externalID, false).
		First(&entity).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entity, nil
}

func (r *repo) ListEntities(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string) ([]customerdomain.Entity, error) {
	query := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ? AND deleted = ?", orgID, customerID, false)
	if featureKey != "" {
		query = query.Where("feature_key = ?", featureKey)
	}

	var entities []customerdomain.Entity
	if err := query.Order("internal_id ASC").Find(&entities).Error; err != nil {
		return nil, err
	}
	return entities, nil
}

func (r *repo) SoftDeleteEntity(ctx context.Context, db *gorm.DB, orgID, internalID snowflake.ID) error {
	result := db.WithContext(ctx).
		Model(&customerdomain.Entity{}).
		Where("org_id = ? AND internal_id = ? AND deleted = ?", orgID, internalID, false).
		Updates(map[string]any{
			"deleted":    true,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return customerdomain.ErrEntityNotFound
	}
	return nil
}
