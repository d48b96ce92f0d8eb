package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/feature/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Feature, error) {
	var f domain.Feature
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, code, feature_key, name, description, feature_type, per_entity, active, metadata, created_at, updated_at
		 FROM features WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Scan(&f).Error
	if err != nil {
		return nil, err
	}
	if f.ID == 0 {
		return nil, nil
	}
	return &f, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*domain.Feature, error) {
	var f domain.Feature
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, code, feature_key, name, description, feature_type, per_entity, active, metadata, created_at, updated_at
		 FROM features WHERE org_id = ? AND code = ?`,
		orgID,
		code,
	).Scan(&f).Error
	if err != nil {
		return nil, err
	}
	if f.ID == 0 {
		return nil, nil
	}
	return &f, nil
}

func (r *repo) ListByKeys(ctx context.Context, db *gorm.DB, orgID snowflake.ID, keys []string) ([]domain.Feature, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var items []domain.Feature
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, code, feature_key, name, description, feature_type, per_entity, active, metadata, created_at, updated_at
		 FROM features WHERE org_id = ? AND feature_key IN ?`,
		orgID,
		keys,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
