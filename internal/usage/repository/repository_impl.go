package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	usagedomain "github.com/meterline/meterline/internal/usage/domain"
	"github.com/meterline/meterline/pkg/db"
	"github.com/meterline/meterline/pkg/db/pagination"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, event *usagedomain.UsageEvent) (bool, error) {
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, key string) (*usagedomain.UsageEvent, error) {
	if key == "" {
		return nil, nil
	}
	var event usagedomain.UsageEvent
	err := tx.WithContext(ctx).
		Where("org_id = ? AND idempotency_key = ?", orgID, key).
		First(&event).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *repo) List(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, filter usagedomain.ListUsageFilter) ([]usagedomain.UsageEvent, *pagination.PageInfo, error) {
	q := tx.WithContext(ctx).Where("org_id = ?", orgID)
	if filter.CustomerID != 0 {
		q = q.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.FeatureKey != "" {
		q = q.Where("feature_key = ?", filter.FeatureKey)
	}
	if filter.StartAt != nil {
		q = q.Where("recorded_at >= ?", *filter.StartAt)
	}
	if filter.EndAt != nil {
		q = q.Where("recorded_at < ?", *filter.EndAt)
	}
	if filter.PageToken != "" {
		cursor, err := pagination.DecodeCursor(filter.PageToken)
		if err != nil {
			return nil, nil, usagedomain.ErrInvalidPageToken
		}
		recordedAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, usagedomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, nil, usagedomain.ErrInvalidPageToken
		}
		q = q.Where("recorded_at < ? OR (recorded_at = ? AND id < ?)", recordedAt, recordedAt, id)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	// One extra row decides has_more without a count query.
	var events []usagedomain.UsageEvent
	err := q.Order("recorded_at DESC, id DESC").Limit(limit + 1).Find(&events).Error
	if err != nil {
		return nil, nil, err
	}

	pageInfo := &pagination.PageInfo{}
	if len(events) > limit {
		events = events[:limit]
		pageInfo.HasMore = true
		last := events[len(events)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.ID.String(),
			CreatedAt: last.RecordedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, nil, err
		}
		pageInfo.NextPageToken = token
	}
	return events, pageInfo, nil
}
