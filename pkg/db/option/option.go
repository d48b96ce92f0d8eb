package option

import (
	"strings"

	"github.com/meterline/meterline/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type optionFunc func(db *gorm.DB) *gorm.DB

func (f optionFunc) Apply(db *gorm.DB) *gorm.DB {
	return f(db)
}

// WithLimit caps the result set size.
func WithLimit(limit int) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

// QuerySortBy restricts ordering to an allow-listed column set.
type QuerySortBy struct {
	Allow   map[string]bool
	Column  string
	Descend bool
}

// WithSortBy orders by the requested column when allow-listed, newest first by default.
func WithSortBy(sort QuerySortBy) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		column := strings.TrimSpace(sort.Column)
		if column == "" || !sort.Allow[column] {
			column = "created_at"
		}
		direction := "ASC"
		if sort.Descend || column == "created_at" {
			direction = "DESC"
		}
		return db.Order(column + " " + direction)
	})
}

// ApplyPagination applies cursor pagination; the caller fetches pageSize+1
// rows to detect a next page.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		pageSize := p.PageSize
		if pageSize <= 0 {
			pageSize = 10
		}
		if p.PageToken != "" {
			cursor, err := pagination.DecodeCursor(p.PageToken)
			if err == nil && cursor != nil && cursor.CreatedAt != "" {
				db = db.Where("created_at < ?", cursor.CreatedAt)
			}
		}
		return db.Limit(pageSize + 1)
	})
}
