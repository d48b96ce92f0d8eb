package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
	"github.com/meterline/meterline/internal/orgcontext"
	"github.com/meterline/meterline/internal/queue"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
)

type trackRequest struct {
	CustomerID     string         `json:"customer_id"`
	FeatureKey     string         `json:"feature_key"`
	EntityID       string         `json:"entity_id"`
	Amount         float64        `json:"amount"`
	IdempotencyKey *string        `json:"idempotency_key"`
	RecordedAt     *time.Time     `json:"recorded_at"`
	Metadata       map[string]any `json:"metadata"`
	Async          bool           `json:"async"`
}

// TrackUsage records usage against a customer's entitlement. With async=true
// the job is queued for the worker pool and the deduction happens out of band.
func (s *Server) TrackUsage(c *gin.Context) {
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body is not valid JSON"))
		return
	}

	ctx := c.Request.Context()
	orgID, _ := orgcontext.OrgIDFromContext(ctx)

	customerID, err := parseID(req.CustomerID)
	if err != nil {
		AbortWithError(c, newValidationError("customer_id", "invalid_id", "customer_id must be a numeric id"))
		return
	}
	if strings.TrimSpace(req.FeatureKey) == "" {
		AbortWithError(c, newValidationError("feature_key", "required", "feature_key is required"))
		return
	}

	recordedAt := time.Now().UTC()
	if req.RecordedAt != nil {
		recordedAt = req.RecordedAt.UTC()
	}

	if req.Async {
		if !s.track.Enabled() {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		job := queue.TrackJob{
			OrgID:          orgID.String(),
			CustomerID:     customerID.String(),
			FeatureKey:     req.FeatureKey,
			EntityID:       req.EntityID,
			Amount:         req.Amount,
			IdempotencyKey: req.IdempotencyKey,
			RecordedAt:     recordedAt,
			Metadata:       req.Metadata,
		}
		if err := s.track.Enqueue(ctx, job); err != nil {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
		return
	}

	resp, err := s.entitlements.Track(ctx, entitlementdomain.TrackRequest{
		OrgID:          orgID,
		CustomerID:     customerID,
		FeatureKey:     req.FeatureKey,
		EntityID:       req.EntityID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		RecordedAt:     recordedAt,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// CheckEntitlement answers whether the customer can use the feature right now.
func (s *Server) CheckEntitlement(c *gin.Context) {
	ctx := c.Request.Context()
	orgID, _ := orgcontext.OrgIDFromContext(ctx)

	customerID, err := parseID(c.Query("customer_id"))
	if err != nil {
		AbortWithError(c, newValidationError("customer_id", "invalid_id", "customer_id must be a numeric id"))
		return
	}
	featureKey := strings.TrimSpace(c.Query("feature_key"))
	if featureKey == "" {
		AbortWithError(c, newValidationError("feature_key", "required", "feature_key is required"))
		return
	}

	var amount float64
	if raw := c.Query("amount"); raw != "" {
		amount, err = strconv.ParseFloat(raw, 64)
		if err != nil || amount < 0 {
			AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be a non-negative number"))
			return
		}
	}

	resp, err := s.entitlements.Check(ctx, entitlementdomain.CheckRequest{
		OrgID:      orgID,
		CustomerID: customerID,
		FeatureKey: featureKey,
		EntityID:   c.Query("entity_id"),
		Amount:     amount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetBalances returns the per-grant balance summaries for a customer.
func (s *Server) GetBalances(c *gin.Context) {
	ctx := c.Request.Context()
	orgID, _ := orgcontext.OrgIDFromContext(ctx)

	customerID, err := parseID(c.Param("customer_id"))
	if err != nil {
		AbortWithError(c, newValidationError("customer_id", "invalid_id", "customer_id must be a numeric id"))
		return
	}

	summaries, err := s.entitlements.Balances(ctx, orgID, customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balances": summaries})
}

// ListUsage returns recent usage events, newest first.
func (s *Server) ListUsage(c *gin.Context) {
	ctx := c.Request.Context()
	orgID, _ := orgcontext.OrgIDFromContext(ctx)

	filter := usagedomain.ListUsageFilter{
		FeatureKey: strings.TrimSpace(c.Query("feature_key")),
	}

	if raw := strings.TrimSpace(c.Query("customer_id")); raw != "" {
		customerID, err := parseID(raw)
		if err != nil {
			AbortWithError(c, newValidationError("customer_id", "invalid_id", "customer_id must be a numeric id"))
			return
		}
		filter.CustomerID = customerID
	}
	if raw := c.Query("start_at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("start_at", "invalid_time", "start_at must be RFC3339"))
			return
		}
		filter.StartAt = &t
	}
	if raw := c.Query("end_at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("end_at", "invalid_time", "end_at must be RFC3339"))
			return
		}
		filter.EndAt = &t
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	filter.PageToken = strings.TrimSpace(c.Query("page_token"))

	events, pageInfo, err := s.usageRepo.List(ctx, s.db, orgID, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "page_info": pageInfo})
}

func parseID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidRequest
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, ErrInvalidRequest
	}
	return id, nil
}
