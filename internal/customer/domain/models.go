package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Customer struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID      `gorm:"not null;index" json:"organization_id"`
	Name        string            `gorm:"not null" json:"name"`
	Email       string            `gorm:"not null" json:"email"`
	Fingerprint string            `gorm:"type:text" json:"fingerprint,omitempty"`
	ProcessorID string            `gorm:"column:processor_id;type:text" json:"processor_id,omitempty"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }

// Entity is a sub-resource of a customer (a seat, a workspace, a device) that
// entity-scoped features meter against. ExternalID is the caller-supplied
// identifier; InternalID is ours.
type Entity struct {
	InternalID snowflake.ID `gorm:"primaryKey;column:internal_id" json:"internal_id"`
	OrgID      snowflake.ID `gorm:"not null;index" json:"organization_id"`
	CustomerID snowflake.ID `gorm:"not null;index" json:"customer_id"`
	ExternalID string       `gorm:"column:external_id;type:text;not null" json:"external_id"`
	FeatureKey string       `gorm:"column:feature_key;type:text;not null" json:"feature_key"`
	Name       string       `gorm:"type:text" json:"name,omitempty"`
	Deleted    bool         `gorm:"not null;default:false" json:"deleted"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Entity) TableName() string { return "entities" }

var (
	ErrInvalidCustomer  = errors.New("invalid_customer")
	ErrCustomerNotFound = errors.New("customer_not_found")
)
