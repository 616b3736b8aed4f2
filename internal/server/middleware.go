package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	obscontext "github.com/storyloom/storyloom/internal/observability/context"
)

// AuthRequired gates the internal API behind a shared bearer token. An empty
// configured token disables the check for local development.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.cfg.InternalAPIToken
		if expected == "" {
			c.Next()
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// AuthorizeRateLimit throttles authorization per account. A limiter
// backend fault is logged and the request proceeds.
func (s *Server) AuthorizeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		var peek struct {
			AccountID string `json:"account_id"`
		}
		if err := c.ShouldBindBodyWith(&peek, binding.JSON); err != nil || strings.TrimSpace(peek.AccountID) == "" {
			c.Next()
			return
		}

		res, err := s.limiter.AllowAuthorize(c.Request.Context(), peek.AccountID)
		if err != nil {
			s.log.Warn("ratelimit.authorize_unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			if s.obsMetrics != nil {
				s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), "authorize", "token_bucket")
			}
			AbortWithError(c, ErrTooManyRequest)
			return
		}

		ctx := obscontext.WithAccountID(c.Request.Context(), peek.AccountID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		provider := strings.TrimSpace(c.Param("provider"))
		res, err := s.limiter.AllowWebhook(c.Request.Context(), provider)
		if err != nil {
			s.log.Warn("ratelimit.webhook_unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			if s.obsMetrics != nil {
				s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), "webhook", "token_bucket")
			}
			AbortWithError(c, ErrTooManyRequest)
			return
		}
		c.Next()
	}
}
