package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/meterline/meterline/internal/config"
	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
	"github.com/meterline/meterline/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubEntitlementService struct {
	entitlementdomain.Service

	trackReq   *entitlementdomain.TrackRequest
	trackResp  *entitlementdomain.TrackResponse
	trackErr   error
	checkResp  *entitlementdomain.CheckResponse
	checkErr   error
	summaries  []entitlementdomain.BalanceSummary
	summaryErr error
}

func (s *stubEntitlementService) Track(ctx context.Context, req entitlementdomain.TrackRequest) (*entitlementdomain.TrackResponse, error) {
	s.trackReq = &req
	return s.trackResp, s.trackErr
}

func (s *stubEntitlementService) Check(ctx context.Context, req entitlementdomain.CheckRequest) (*entitlementdomain.CheckResponse, error) {
	return s.checkResp, s.checkErr
}

func (s *stubEntitlementService) Balances(ctx context.Context, orgID, customerID snowflake.ID) ([]entitlementdomain.BalanceSummary, error) {
	return s.summaries, s.summaryErr
}

type stubUsageRepo struct {
	usagedomain.Repository

	events []usagedomain.UsageEvent
	filter usagedomain.ListUsageFilter
}

func (s *stubUsageRepo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter usagedomain.ListUsageFilter) ([]usagedomain.UsageEvent, *pagination.PageInfo, error) {
	s.filter = filter
	return s.events, &pagination.PageInfo{}, nil
}

func newTestServer(t *testing.T, svc entitlementdomain.Service, usageRepo usagedomain.Repository) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(ErrorHandlingMiddleware())

	return NewServer(Params{
		Gin:          r,
		Cfg:          config.Config{HTTPAddr: ":0"},
		Log:          zap.NewNop(),
		Entitlements: svc,
		UsageRepo:    usageRepo,
	})
}

func doRequest(s *Server, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestTrackUsageDeductsAndReportsRemaining(t *testing.T) {
	svc := &stubEntitlementService{
		trackResp: &entitlementdomain.TrackResponse{Deducted: 3, Remaining: 7},
	}
	s := newTestServer(t, svc, &stubUsageRepo{})

	body, err := json.Marshal(map[string]any{
		"customer_id": "1001",
		"feature_key": "api_calls",
		"amount":      3,
	})
	require.NoError(t, err)

	w := doRequest(s, http.MethodPost, "/v1/track", body, map[string]string{orgHeader: "42"})

	require.Equal(t, http.StatusOK, w.Code)

	var resp entitlementdomain.TrackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3.0, resp.Deducted)
	assert.Equal(t, 7.0, resp.Remaining)

	require.NotNil(t, svc.trackReq)
	assert.Equal(t, snowflake.ID(42), svc.trackReq.OrgID)
	assert.Equal(t, snowflake.ID(1001), svc.trackReq.CustomerID)
	assert.Equal(t, "api_calls", svc.trackReq.FeatureKey)
}

func TestTrackUsageRequiresOrgHeader(t *testing.T) {
	s := newTestServer(t, &stubEntitlementService{}, &stubUsageRepo{})

	body := []byte(`{"customer_id":"1001","feature_key":"api_calls","amount":1}`)
	w := doRequest(s, http.MethodPost, "/v1/track", body, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "organization_required")
}

func TestTrackUsageRejectsMissingFeatureKey(t *testing.T) {
	s := newTestServer(t, &stubEntitlementService{}, &stubUsageRepo{})

	body := []byte(`{"customer_id":"1001","amount":1}`)
	w := doRequest(s, http.MethodPost, "/v1/track", body, map[string]string{orgHeader: "42"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "feature_key")
}

func TestTrackUsageAsyncWithoutQueueIsUnavailable(t *testing.T) {
	s := newTestServer(t, &stubEntitlementService{}, &stubUsageRepo{})

	body := []byte(`{"customer_id":"1001","feature_key":"api_calls","amount":1,"async":true}`)
	w := doRequest(s, http.MethodPost, "/v1/track", body, map[string]string{orgHeader: "42"})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTrackUsageMapsDomainErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "feature not granted", err: entitlementdomain.ErrFeatureNotGranted, status: http.StatusNotFound},
		{name: "entity required", err: entitlementdomain.ErrEntityIDRequired, status: http.StatusBadRequest},
		{name: "invalid amount", err: usagedomain.ErrInvalidAmount, status: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubEntitlementService{trackErr: tc.err}
			s := newTestServer(t, svc, &stubUsageRepo{})

			body := []byte(`{"customer_id":"1001","feature_key":"api_calls","amount":1}`)
			w := doRequest(s, http.MethodPost, "/v1/track", body, map[string]string{orgHeader: "42"})

			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestCheckEntitlement(t *testing.T) {
	svc := &stubEntitlementService{
		checkResp: &entitlementdomain.CheckResponse{Allowed: true, Remaining: 12},
	}
	s := newTestServer(t, svc, &stubUsageRepo{})

	w := doRequest(s, http.MethodGet, "/v1/check?customer_id=1001&feature_key=api_calls&amount=5", nil, map[string]string{orgHeader: "42"})

	require.Equal(t, http.StatusOK, w.Code)

	var resp entitlementdomain.CheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)
	assert.Equal(t, 12.0, resp.Remaining)
}

func TestCheckEntitlementRejectsBadAmount(t *testing.T) {
	s := newTestServer(t, &stubEntitlementService{}, &stubUsageRepo{})

	w := doRequest(s, http.MethodGet, "/v1/check?customer_id=1001&feature_key=api_calls&amount=-2", nil, map[string]string{orgHeader: "42"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBalances(t *testing.T) {
	svc := &stubEntitlementService{
		summaries: []entitlementdomain.BalanceSummary{
			{GrantID: 7, FeatureKey: "api_calls", Balance: 40, RolloverBalance: 5},
		},
	}
	s := newTestServer(t, svc, &stubUsageRepo{})

	w := doRequest(s, http.MethodGet, "/v1/balances/1001", nil, map[string]string{orgHeader: "42"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "api_calls")
	assert.Contains(t, w.Body.String(), "rollover_balance")
}

func TestListUsageParsesFilter(t *testing.T) {
	repo := &stubUsageRepo{
		events: []usagedomain.UsageEvent{{FeatureKey: "api_calls", Amount: 2}},
	}
	s := newTestServer(t, &stubEntitlementService{}, repo)

	w := doRequest(s, http.MethodGet, "/v1/usage?customer_id=1001&feature_key=api_calls&limit=10", nil, map[string]string{orgHeader: "42"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, snowflake.ID(1001), repo.filter.CustomerID)
	assert.Equal(t, "api_calls", repo.filter.FeatureKey)
	assert.Equal(t, 10, repo.filter.Limit)
}

func TestListUsageRejectsBadTimeFilter(t *testing.T) {
	s := newTestServer(t, &stubEntitlementService{}, &stubUsageRepo{})

	w := doRequest(s, http.MethodGet, "/v1/usage?start_at=yesterday", nil, map[string]string{orgHeader: "42"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
