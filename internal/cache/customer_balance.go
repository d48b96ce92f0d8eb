package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
	obsmetrics "github.com/meterline/meterline/internal/observability/metrics"
)

// blobSchemaVersion is bumped whenever the cached blob layout changes.
// Readers drop blobs with a different version and fall back to the database.
const blobSchemaVersion = 1

const (
	customerBlobTTL  = 15 * time.Minute
	asyncWriteBudget = 2 * time.Second
)

// UpdateStatus is the outcome of a cache write-through.
type UpdateStatus string

const (
	UpdateApplied   UpdateStatus = "ok"
	UpdateCacheMiss UpdateStatus = "cache_miss"
	UpdateStale     UpdateStatus = "stale"
	EntityExists    UpdateStatus = "exists"
)

// CachedGrant is the projection of one grant inside the customer blob.
type CachedGrant struct {
	FeatureKey        string                                     `json:"feature_key"`
	Unlimited         bool                                       `json:"unlimited,omitempty"`
	Balance           float64                                    `json:"balance"`
	Adjustment        float64                                    `json:"adjustment"`
	AdditionalBalance float64                                    `json:"additional_balance"`
	Entities          map[string]entitlementdomain.EntityBalance `json:"entities,omitempty"`
	NextResetAt       int64                                      `json:"next_reset_at,omitempty"`
}

// CachedCustomer carries the flat customer fields alongside the grants so a
// read path gets both with one fetch.
type CachedCustomer struct {
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	ProcessorID string `json:"processor_id,omitempty"`
}

// CustomerPatch updates flat customer fields. Nil fields are left alone.
type CustomerPatch struct {
	Name        *string `json:"name,omitempty"`
	Email       *string `json:"email,omitempty"`
	Fingerprint *string `json:"fingerprint,omitempty"`
	ProcessorID *string `json:"processor_id,omitempty"`
}

// CachedRollover mirrors a rollover record inside the blob.
type CachedRollover struct {
	ID        string             `json:"id"`
	GrantID   string             `json:"grant_id"`
	Balance   float64            `json:"balance"`
	Entities  map[string]float64 `json:"entities,omitempty"`
	ExpiresAt int64              `json:"expires_at,omitempty"`
}

// CustomerBlob is the whole cached balance state of one customer. It lives
// under a single key so deductions can patch it atomically with one script.
type CustomerBlob struct {
	V         int                       `json:"v"`
	Customer  *CachedCustomer           `json:"customer,omitempty"`
	Grants    map[string]CachedGrant    `json:"grants"`
	Rollovers map[string]CachedRollover `json:"rollovers,omitempty"`
	UpdatedAt int64                     `json:"updated_at"`
}

type grantPatch struct {
	GrantID             string                                     `json:"grant_id"`
	Balance             *float64                                   `json:"balance,omitempty"`
	Adjustment          *float64                                   `json:"adjustment,omitempty"`
	AdditionalBalance   *float64                                   `json:"additional_balance,omitempty"`
	Entities            map[string]entitlementdomain.EntityBalance `json:"entities,omitempty"`
	NextResetAt         *int64                                     `json:"next_reset_at,omitempty"`
	ExpectedNextResetAt *int64                                     `json:"expected_next_reset_at,omitempty"`
	RolloverInsert      *CachedRollover                            `json:"rollover_insert,omitempty"`
	RolloverUpdates     []rolloverPatch                            `json:"rollover_updates,omitempty"`
	RolloverDeleteIDs   []string                                   `json:"rollover_delete_ids,omitempty"`
}

type rolloverPatch struct {
	RolloverID string             `json:"rollover_id"`
	Balance    *float64           `json:"balance,omitempty"`
	Entities   map[string]float64 `json:"entities,omitempty"`
}

// updateBlobScript patches the blob in place. The expected_next_reset_at
// guard is scoped per patch: a mismatch skips only that grant's update (the
// cached value was written by a newer reset) and the skipped grant ids come
// back to the caller; every other patch still applies. Only a missing grant
// or schema mismatch drops the blob for a rebuild.
const updateBlobScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then return "cache_miss" end
local ok, data = pcall(cjson.decode, raw)
if not ok or data.v ~= tonumber(ARGV[4]) then
  redis.call("DEL", KEYS[1])
  return "cache_miss"
end
local patches = cjson.decode(ARGV[1])
local skipped = {}
for _, p in ipairs(patches) do
  local g = data.grants and data.grants[p.grant_id]
  if g == nil then
    redis.call("DEL", KEYS[1])
    return "cache_miss"
  end
  if p.expected_next_reset_at ~= nil and (g.next_reset_at or 0) ~= p.expected_next_reset_at then
    skipped[#skipped + 1] = p.grant_id
  else
    if p.balance ~= nil then g.balance = p.balance end
    if p.adjustment ~= nil then g.adjustment = p.adjustment end
    if p.additional_balance ~= nil then g.additional_balance = p.additional_balance end
    if p.entities ~= nil then g.entities = p.entities end
    if p.next_reset_at ~= nil then g.next_reset_at = p.next_reset_at end
    if p.rollover_insert ~= nil then
      if data.rollovers == nil then data.rollovers = {} end
      data.rollovers[p.rollover_insert.id] = p.rollover_insert
    end
    if p.rollover_updates ~= nil then
      for _, ru in ipairs(p.rollover_updates) do
        local r = data.rollovers and data.rollovers[ru.rollover_id]
        if r ~= nil then
          if ru.balance ~= nil then r.balance = ru.balance end
          if ru.entities ~= nil then r.entities = ru.entities end
        end
      end
    end
    if p.rollover_delete_ids ~= nil and data.rollovers ~= nil then
      for _, id in ipairs(p.rollover_delete_ids) do
        data.rollovers[id] = nil
      end
    end
  end
end
data.updated_at = tonumber(ARGV[2])
redis.call("SET", KEYS[1], cjson.encode(data), "EX", tonumber(ARGV[3]))
if #skipped == 0 then return "ok" end
return cjson.encode(skipped)
`

// appendEntityScript upserts one entity sub-balance on a cached grant. An
// existing entry with the same internal id gets its mutable fields patched in
// place, so re-applying the same payload is idempotent. The same external id
// under a different internal id is a conflict: the entry is left untouched
// and "exists" comes back to the caller.
const appendEntityScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then return "cache_miss" end
local ok, data = pcall(cjson.decode, raw)
if not ok or data.v ~= tonumber(ARGV[6]) then
  redis.call("DEL", KEYS[1])
  return "cache_miss"
end
local g = data.grants and data.grants[ARGV[1]]
if g == nil then
  redis.call("DEL", KEYS[1])
  return "cache_miss"
end
if g.entities == nil then g.entities = {} end
local incoming = cjson.decode(ARGV[3])
local existing = g.entities[ARGV[2]]
if existing ~= nil and (existing.internal_id or "") ~= (incoming.internal_id or "") then
  return "exists"
end
if existing ~= nil then
  existing.balance = incoming.balance
  existing.adjustment = incoming.adjustment
else
  g.entities[ARGV[2]] = incoming
end
data.updated_at = tonumber(ARGV[4])
redis.call("SET", KEYS[1], cjson.encode(data), "EX", tonumber(ARGV[5]))
return "ok"
`

// updateCustomerScript patches the flat customer fields without touching the
// entitlements.
const updateCustomerScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then return "cache_miss" end
local ok, data = pcall(cjson.decode, raw)
if not ok or data.v ~= tonumber(ARGV[4]) then
  redis.call("DEL", KEYS[1])
  return "cache_miss"
end
local p = cjson.decode(ARGV[1])
if data.customer == nil then data.customer = {} end
local c = data.customer
if p.name ~= nil then c.name = p.name end
if p.email ~= nil then c.email = p.email end
if p.fingerprint ~= nil then c.fingerprint = p.fingerprint end
if p.processor_id ~= nil then c.processor_id = p.processor_id end
data.updated_at = tonumber(ARGV[2])
redis.call("SET", KEYS[1], cjson.encode(data), "EX", tonumber(ARGV[3]))
return "ok"
`

// CustomerBalanceCache keeps one JSON blob per customer in Redis so the
// deduction hot path can read and patch balances without touching the
// database. All methods are nil-receiver safe; a nil cache reports misses.
type CustomerBalanceCache struct {
	client   *redis.Client
	update   *redis.Script
	append   *redis.Script
	customer *redis.Script
	ttl      time.Duration
	log      *zap.Logger
	metrics  *obsmetrics.Metrics
}

func NewCustomerBalanceCache(client *redis.Client, log *zap.Logger, m *obsmetrics.Metrics) *CustomerBalanceCache {
	if client == nil {
		return nil
	}
	return &CustomerBalanceCache{
		client:   client,
		update:   redis.NewScript(updateBlobScript),
		append:   redis.NewScript(appendEntityScript),
		customer: redis.NewScript(updateCustomerScript),
		ttl:      customerBlobTTL,
		log:      log.Named("cache.balance"),
		metrics:  m,
	}
}

func blobKey(orgID, customerID snowflake.ID) string {
	return fmt.Sprintf("balance:%s:%s", orgID, customerID)
}

// Get returns the cached blob, or ok=false on miss, schema mismatch or any
// Redis error. Read errors degrade to a miss so the caller always has the
// database path.
func (c *CustomerBalanceCache) Get(ctx context.Context, orgID, customerID snowflake.ID) (*CustomerBlob, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, blobKey(orgID, customerID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("blob read failed", zap.Error(err))
		}
		c.metrics.RecordCacheMiss(ctx, "get")
		return nil, false
	}
	var blob CustomerBlob
	if err := json.Unmarshal(raw, &blob); err != nil || blob.V != blobSchemaVersion {
		c.Invalidate(ctx, orgID, customerID)
		c.metrics.RecordCacheMiss(ctx, "get")
		return nil, false
	}
	c.metrics.RecordCacheHit(ctx, "get")
	return &blob, true
}

// Set hydrates the blob after a database read.
func (c *CustomerBalanceCache) Set(ctx context.Context, orgID, customerID snowflake.ID, blob *CustomerBlob) {
	if c == nil || blob == nil {
		return
	}
	blob.V = blobSchemaVersion
	raw, err := json.Marshal(blob)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, blobKey(orgID, customerID), raw, c.ttl).Err(); err != nil {
		c.metrics.RecordCacheWriteFailure(ctx, "set")
		c.log.Warn("blob hydrate failed", zap.Error(err))
	}
}

// Invalidate drops the blob. The next read repopulates it from the database.
func (c *CustomerBalanceCache) Invalidate(ctx context.Context, orgID, customerID snowflake.ID) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, blobKey(orgID, customerID)).Err(); err != nil {
		c.log.Warn("blob invalidate failed", zap.Error(err))
	}
}

// ApplyUpdates patches the blob with the deltas already persisted to the
// database. A guard mismatch skips only that grant's patch and reports the
// skipped grant ids as UpdateStale; on cache_miss the blob is gone and the
// next read re-hydrates.
func (c *CustomerBalanceCache) ApplyUpdates(ctx context.Context, orgID, customerID snowflake.ID, updates []entitlementdomain.GrantUpdate) (UpdateStatus, []snowflake.ID, error) {
	if c == nil {
		return UpdateCacheMiss, nil, nil
	}
	if len(updates) == 0 {
		return UpdateApplied, nil, nil
	}
	patches := make([]grantPatch, 0, len(updates))
	for _, u := range updates {
		patches = append(patches, patchFromUpdate(u))
	}
	payload, err := json.Marshal(patches)
	if err != nil {
		return UpdateCacheMiss, nil, err
	}
	now := time.Now().Unix()
	res, err := c.update.Run(ctx, c.client,
		[]string{blobKey(orgID, customerID)},
		string(payload), now, int(c.ttl.Seconds()), blobSchemaVersion,
	).Text()
	if err != nil {
		c.metrics.RecordCacheWriteFailure(ctx, "update")
		return UpdateCacheMiss, nil, err
	}
	switch UpdateStatus(res) {
	case UpdateApplied:
		return UpdateApplied, nil, nil
	case UpdateCacheMiss:
		c.metrics.RecordCacheMiss(ctx, "update")
		return UpdateCacheMiss, nil, nil
	}
	skipped, err := parseSkippedGrants(res)
	if err != nil {
		return UpdateCacheMiss, nil, err
	}
	return UpdateStale, skipped, nil
}

// parseSkippedGrants decodes the JSON id array the patch script returns when
// some updates lost their staleness guard.
func parseSkippedGrants(res string) ([]snowflake.ID, error) {
	var raw []string
	if err := json.Unmarshal([]byte(res), &raw); err != nil {
		return nil, err
	}
	skipped := make([]snowflake.ID, 0, len(raw))
	for _, s := range raw {
		id, err := snowflake.ParseString(s)
		if err != nil {
			return nil, err
		}
		skipped = append(skipped, id)
	}
	return skipped, nil
}

// ApplyUpdatesAsync is the fire-and-forget variant used after the database
// commit: the request does not wait on Redis, and failures only cost the
// next reader a re-hydration.
func (c *CustomerBalanceCache) ApplyUpdatesAsync(orgID, customerID snowflake.ID, updates []entitlementdomain.GrantUpdate) {
	if c == nil || len(updates) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncWriteBudget)
		defer cancel()
		status, skipped, err := c.ApplyUpdates(ctx, orgID, customerID, updates)
		if err != nil {
			c.log.Warn("async blob update failed",
				zap.String("customer_id", customerID.String()),
				zap.Error(err),
			)
			return
		}
		if status == UpdateStale {
			c.log.Debug("stale grant patches skipped",
				zap.String("customer_id", customerID.String()),
				zap.Int("skipped", len(skipped)),
			)
		}
	}()
}

// AppendEntity upserts an entity sub-balance on a cached grant. A repeat of
// the same internal id patches the entry in place; EntityExists reports the
// external id colliding with a different internal id, and the cached entry is
// never overwritten in that case.
func (c *CustomerBalanceCache) AppendEntity(ctx context.Context, orgID, customerID, grantID snowflake.ID, entityID string, eb entitlementdomain.EntityBalance) (UpdateStatus, error) {
	if c == nil {
		return UpdateCacheMiss, nil
	}
	payload, err := json.Marshal(eb)
	if err != nil {
		return UpdateCacheMiss, err
	}
	res, err := c.append.Run(ctx, c.client,
		[]string{blobKey(orgID, customerID)},
		grantID.String(), entityID, string(payload),
		time.Now().Unix(), int(c.ttl.Seconds()), blobSchemaVersion,
	).Text()
	if err != nil {
		c.metrics.RecordCacheWriteFailure(ctx, "append_entity")
		return UpdateCacheMiss, err
	}
	return UpdateStatus(res), nil
}

// UpdateCustomerData patches the blob's flat customer fields, leaving the
// grants untouched. A miss means the cache is cold, not an error.
func (c *CustomerBalanceCache) UpdateCustomerData(ctx context.Context, orgID, customerID snowflake.ID, patch CustomerPatch) (UpdateStatus, error) {
	if c == nil {
		return UpdateCacheMiss, nil
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return UpdateCacheMiss, err
	}
	res, err := c.customer.Run(ctx, c.client,
		[]string{blobKey(orgID, customerID)},
		string(payload), time.Now().Unix(), int(c.ttl.Seconds()), blobSchemaVersion,
	).Text()
	if err != nil {
		c.metrics.RecordCacheWriteFailure(ctx, "update_customer")
		return UpdateCacheMiss, err
	}
	return UpdateStatus(res), nil
}

func patchFromUpdate(u entitlementdomain.GrantUpdate) grantPatch {
	p := grantPatch{
		GrantID:           u.GrantID.String(),
		Balance:           u.Balance,
		Adjustment:        u.Adjustment,
		AdditionalBalance: u.AdditionalBalance,
		Entities:          u.Entities,
	}
	if u.NextResetAt != nil {
		p.NextResetAt = int64Ptr(u.NextResetAt.Unix())
	}
	if u.ExpectedNextResetAt != nil {
		p.ExpectedNextResetAt = int64Ptr(u.ExpectedNextResetAt.Unix())
	}
	if u.RolloverInsert != nil {
		p.RolloverInsert = cachedRollover(*u.RolloverInsert)
	}
	for _, ru := range u.RolloverUpdates {
		p.RolloverUpdates = append(p.RolloverUpdates, rolloverPatch{
			RolloverID: ru.RolloverID.String(),
			Balance:    ru.Balance,
			Entities:   ru.Entities,
		})
	}
	for _, id := range u.RolloverDeleteIDs {
		p.RolloverDeleteIDs = append(p.RolloverDeleteIDs, id.String())
	}
	return p
}

func cachedRollover(r entitlementdomain.Rollover) *CachedRollover {
	out := &CachedRollover{
		ID:      r.ID.String(),
		GrantID: r.GrantID.String(),
		Balance: r.Balance,
	}
	if entities := r.Entities.Data(); len(entities) > 0 {
		out.Entities = entities
	}
	if r.ExpiresAt != nil {
		out.ExpiresAt = r.ExpiresAt.Unix()
	}
	return out
}

// BlobFromState projects database rows into the cached blob layout.
func BlobFromState(grants []entitlementdomain.Grant, rollovers []entitlementdomain.Rollover, now time.Time) *CustomerBlob {
	blob := &CustomerBlob{
		V:         blobSchemaVersion,
		Grants:    make(map[string]CachedGrant, len(grants)),
		UpdatedAt: now.Unix(),
	}
	for _, g := range grants {
		cg := CachedGrant{
			FeatureKey: g.FeatureKey,
			Unlimited:  g.Balance == nil,
			Adjustment: g.Adjustment,
		}
		if g.Balance != nil {
			cg.Balance = *g.Balance
		}
		if g.AdditionalBalance != nil {
			cg.AdditionalBalance = *g.AdditionalBalance
		}
		if entities := g.Entities.Data(); len(entities) > 0 {
			cg.Entities = entities
		}
		if g.NextResetAt != nil {
			cg.NextResetAt = g.NextResetAt.Unix()
		}
		blob.Grants[g.ID.String()] = cg
	}
	for _, r := range rollovers {
		if r.Expired(now) {
			continue
		}
		if blob.Rollovers == nil {
			blob.Rollovers = make(map[string]CachedRollover)
		}
		blob.Rollovers[r.ID.String()] = *cachedRollover(r)
	}
	return blob
}

func int64Ptr(v int64) *int64 { return &v }
