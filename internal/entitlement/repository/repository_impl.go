package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
)

type repo struct{}

func Provide() entitlementdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, grant *entitlementdomain.Grant) error {
	return db.WithContext(ctx).Create(grant).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*entitlementdomain.Grant, error) {
	var grant entitlementdomain.Grant
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&grant).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

func (r *repo) GrantsForCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) ([]entitlementdomain.Grant, error) {
	var grants []entitlementdomain.Grant
	err := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ?", orgID, customerID).
		Order("id ASC").
		Find(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) GrantsForCustomerFeature(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string) ([]entitlementdomain.Grant, error) {
	var grants []entitlementdomain.Grant
	err := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ? AND feature_key = ?", orgID, customerID, featureKey).
		Order("id ASC").
		Find(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) GrantsForCustomerFeatureLocked(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string) ([]entitlementdomain.Grant, error) {
	q := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ? AND feature_key = ?", orgID, customerID, featureKey).
		Order("id ASC")
	// sqlite has no FOR UPDATE; its single writer covers the same guarantee.
	if db.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var grants []entitlementdomain.Grant
	if err := q.Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) RolloversForGrants(ctx context.Context, db *gorm.DB, grantIDs []snowflake.ID) ([]entitlementdomain.Rollover, error) {
	if len(grantIDs) == 0 {
		return nil, nil
	}
	var rollovers []entitlementdomain.Rollover
	err := db.WithContext(ctx).
		Where("grant_id IN ?", grantIDs).
		Order("id ASC").
		Find(&rollovers).Error
	if err != nil {
		return nil, err
	}
	return rollovers, nil
}

func (r *repo) ApplyGrantUpdates(ctx context.Context, db *gorm.DB, orgID snowflake.ID, updates []entitlementdomain.GrantUpdate) ([]snowflake.ID, error) {
	var stale []snowflake.ID
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			if u.Empty() {
				continue
			}
			set := map[string]any{"updated_at": time.Now().UTC()}
			if u.Balance != nil {
				set["balance"] = *u.Balance
			}
			if u.AdditionalBalance != nil {
				set["additional_balance"] = *u.AdditionalBalance
			}
			if u.Adjustment != nil {
				set["adjustment"] = *u.Adjustment
			}
			if u.Entities != nil {
				set["entities"] = datatypes.NewJSONType(u.Entities)
			}
			if u.NextResetAt != nil {
				set["next_reset_at"] = *u.NextResetAt
			}

			q := tx.Model(&entitlementdomain.Grant{}).
				Where("id = ? AND org_id = ?", u.GrantID, orgID)
			if u.ExpectedNextResetAt != nil {
				q = q.Where("next_reset_at = ?", *u.ExpectedNextResetAt)
			}
			res := q.Updates(set)
			if res.Error != nil {
				return res.Error
			}
			if u.ExpectedNextResetAt != nil && res.RowsAffected == 0 {
				// Another worker already reset this grant; its rollover
				// writes must not be applied either.
				stale = append(stale, u.GrantID)
				continue
			}

			if u.RolloverInsert != nil {
				if err := tx.Create(u.RolloverInsert).Error; err != nil {
					return err
				}
			}
			for _, ru := range u.RolloverUpdates {
				rset := map[string]any{}
				if ru.Balance != nil {
					rset["balance"] = *ru.Balance
				}
				if ru.Entities != nil {
					rset["entities"] = datatypes.NewJSONType(ru.Entities)
				}
				if len(rset) == 0 {
					continue
				}
				if err := tx.Model(&entitlementdomain.Rollover{}).
					Where("id = ? AND grant_id = ?", ru.RolloverID, u.GrantID).
					Updates(rset).Error; err != nil {
					return err
				}
			}
			if len(u.RolloverDeleteIDs) > 0 {
				if err := tx.
					Where("grant_id = ? AND id IN ?", u.GrantID, u.RolloverDeleteIDs).
					Delete(&entitlementdomain.Rollover{}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

func (r *repo) ClaimDueGrants(ctx context.Context, db *gorm.DB, due time.Time, limit int) ([]entitlementdomain.Grant, error) {
	if limit <= 0 {
		return nil, nil
	}
	var grants []entitlementdomain.Grant
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM entitlement_grants
		 WHERE next_reset_at IS NOT NULL AND next_reset_at <= ?
		 ORDER BY next_reset_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		due,
		limit,
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) DeleteBySubscriptionItem(ctx context.Context, db *gorm.DB, orgID, subscriptionItemID snowflake.ID) error {
	return db.WithContext(ctx).
		Where("org_id = ? AND subscription_item_id = ?", orgID, subscriptionItemID).
		Delete(&entitlementdomain.Grant{}).Error
}

func (r *repo) DeleteExpiredRollovers(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", before).
		Delete(&entitlementdomain.Rollover{})
	return res.RowsAffected, res.Error
}
