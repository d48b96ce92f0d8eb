package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type FeatureType string

const (
	FeatureTypeBoolean FeatureType = "boolean"
	FeatureTypeMetered FeatureType = "metered"
	FeatureTypeCredit  FeatureType = "credit"
)

// Feature is a unit of product functionality whose usage can be granted and
// metered. Key is the internal opaque key grants reference; two features may
// share a Key when one aliases the other.
type Feature struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;index:ux_features_org_code,priority:1"`
	Code  string       `gorm:"type:text;not null;index:ux_features_org_code,priority:2"`
	Key   string       `gorm:"column:feature_key;type:text;not null;index"`

	Name        string            `gorm:"type:text;not null"`
	Description *string           `gorm:"type:text"`
	Type        FeatureType       `gorm:"column:feature_type;type:text;not null"`
	PerEntity   bool              `gorm:"column:per_entity;not null;default:false"`
	Active      bool              `gorm:"not null;default:true"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Feature) TableName() string { return "features" }

// Metered reports whether usage against this feature draws down a balance.
func (f Feature) Metered() bool {
	return f.Type == FeatureTypeMetered || f.Type == FeatureTypeCredit
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCode         = errors.New("invalid_code")
	ErrInvalidType         = errors.New("invalid_feature_type")
	ErrNotFound            = errors.New("feature_not_found")
)
