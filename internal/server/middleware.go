package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obslogger "github.com/meterline/meterline/internal/observability/logger"
	"github.com/meterline/meterline/internal/orgcontext"
	"go.uber.org/zap"
)

const orgHeader = "X-Org-Id"

// OrgContext resolves the caller's organization from the X-Org-Id header and
// threads it through the request context. The gateway in front of this server
// is expected to have authenticated the header.
func (s *Server) OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(orgHeader))
		if raw == "" {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		orgID, err := snowflake.ParseString(raw)
		if err != nil || orgID == 0 {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// TrackIngestRateLimit applies the per-organization token bucket to the track
// endpoint. Disabled limiters pass everything through.
func (s *Server) TrackIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.trackLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		orgID, ok := orgcontext.OrgIDFromContext(ctx)
		if !ok || orgID == 0 {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		result, err := s.trackLimiter.AllowOrg(ctx, orgID.String())
		if err != nil {
			obslogger.FromContext(ctx).Warn("track ingest rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			obslogger.FromContext(ctx).Warn("track ingest rate limit exceeded",
				zap.String("organization_id", orgID.String()),
			)
			retryAfter := int64(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}
