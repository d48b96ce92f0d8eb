package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidEntity  = errors.New("invalid_entity")
	ErrEntityNotFound = errors.New("entity_not_found")
)

type CreateCustomerRequest struct {
	OrgID       snowflake.ID   `json:"organization_id"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	ProcessorID string         `json:"processor_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UpdateCustomerRequest patches flat customer fields. Nil fields keep their
// current value.
type UpdateCustomerRequest struct {
	OrgID       snowflake.ID `json:"organization_id"`
	CustomerID  snowflake.ID `json:"customer_id"`
	Name        *string      `json:"name,omitempty"`
	Email       *string      `json:"email,omitempty"`
	Fingerprint *string      `json:"fingerprint,omitempty"`
	ProcessorID *string      `json:"processor_id,omitempty"`
}

// RegisterEntityRequest adds a seat-like sub-resource to a customer. Every
// entity-scoped grant for the feature receives a sub-balance seeded from its
// base allowance. Registering the same external id again is a no-op.
type RegisterEntityRequest struct {
	OrgID      snowflake.ID `json:"organization_id"`
	CustomerID snowflake.ID `json:"customer_id"`
	FeatureKey string       `json:"feature_key"`
	ExternalID string       `json:"external_id"`
	Name       string       `json:"name,omitempty"`
}

type Service interface {
	CreateCustomer(context.Context, CreateCustomerRequest) (*Customer, error)
	GetCustomer(ctx context.Context, orgID, id snowflake.ID) (*Customer, error)
	UpdateCustomer(context.Context, UpdateCustomerRequest) (*Customer, error)
	RegisterEntity(context.Context, RegisterEntityRequest) (*Entity, error)
	RemoveEntity(ctx context.Context, orgID, customerID, internalID snowflake.ID) error
	ListEntities(ctx context.Context, orgID, customerID snowflake.ID, featureKey string) ([]Entity, error)
}
