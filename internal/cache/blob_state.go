package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
)

// StateFromBlob rebuilds domain rows from a cached blob so the deduction
// engine can run against cache data exactly as it runs against the database.
func StateFromBlob(blob *CustomerBlob) ([]entitlementdomain.Grant, []entitlementdomain.Rollover) {
	if blob == nil {
		return nil, nil
	}
	grants := make([]entitlementdomain.Grant, 0, len(blob.Grants))
	for rawID, cg := range blob.Grants {
		id, err := snowflake.ParseString(rawID)
		if err != nil {
			continue
		}
		g := entitlementdomain.Grant{
			ID:         id,
			FeatureKey: cg.FeatureKey,
			Adjustment: cg.Adjustment,
		}
		if !cg.Unlimited {
			g.Balance = entitlementdomain.Float64Ptr(cg.Balance)
		}
		if cg.AdditionalBalance != 0 {
			g.AdditionalBalance = entitlementdomain.Float64Ptr(cg.AdditionalBalance)
		}
		if len(cg.Entities) > 0 {
			g.Entities = datatypes.NewJSONType(cg.Entities)
		}
		if cg.NextResetAt != 0 {
			at := time.Unix(cg.NextResetAt, 0).UTC()
			g.NextResetAt = &at
		}
		grants = append(grants, g)
	}

	rollovers := make([]entitlementdomain.Rollover, 0, len(blob.Rollovers))
	for rawID, cr := range blob.Rollovers {
		id, err := snowflake.ParseString(rawID)
		if err != nil {
			continue
		}
		grantID, err := snowflake.ParseString(cr.GrantID)
		if err != nil {
			continue
		}
		r := entitlementdomain.Rollover{
			ID:      id,
			GrantID: grantID,
			Balance: cr.Balance,
		}
		if len(cr.Entities) > 0 {
			r.Entities = datatypes.NewJSONType(cr.Entities)
		}
		if cr.ExpiresAt != 0 {
			at := time.Unix(cr.ExpiresAt, 0).UTC()
			r.ExpiresAt = &at
		}
		rollovers = append(rollovers, r)
	}
	return grants, rollovers
}
