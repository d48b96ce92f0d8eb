package domain

import "errors"

var (
	ErrInvalidGrant       = errors.New("invalid_grant")
	ErrGrantNotFound      = errors.New("grant_not_found")
	ErrFeatureNotGranted  = errors.New("feature_not_granted")
	ErrEntityIDRequired   = errors.New("entity_id_required")
	ErrEntityNotFound     = errors.New("entity_not_found")
	ErrInsufficientAmount = errors.New("insufficient_amount")
	ErrStaleReset         = errors.New("stale_reset")
)
