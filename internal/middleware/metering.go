package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/metering"
	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// defaultTier is charged when the token carries no tier claim.
const defaultTier = "standard"

// Metering runs the billing pipeline around billable handlers: the
// advisory pre-check before, authoritative settlement after.
type Metering struct {
	pipeline *metering.Pipeline
	log      *logger.Logger
}

// NewMetering creates the metering middleware.
func NewMetering(pipeline *metering.Pipeline, log *logger.Logger) *Metering {
	if log == nil {
		log = logger.NewDefault("metering-http")
	}
	return &Metering{pipeline: pipeline, log: log}
}

// Handler meters the request. A failing pre-check answers 402 before the
// handler runs; settlement happens after the response is written and never
// changes it.
func (m *Metering) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := TenantID(c)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		tier := Tier(c)
		if tier == "" {
			tier = defaultTier
		}

		endpoint := c.Request.URL.Path
		requestSize := c.Request.ContentLength
		if requestSize < 0 {
			requestSize = 0
		}

		check, err := m.pipeline.PreCheck(c.Request.Context(), tenantID, tier, endpoint, requestSize)
		if err != nil {
			if errors.Is(err, pricing.ErrTierNotFound) {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "pricing misconfigured"})
				return
			}
			m.log.WithError(err).WithField("tenant_id", tenantID).Error("metering pre-check failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "metering unavailable"})
			return
		}
		if !check.Allowed {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":     check.Reason,
				"required":  check.Required.String(),
				"available": check.Available.String(),
			})
			return
		}

		start := time.Now()
		c.Next()

		m.pipeline.Settle(c.Request.Context(), metering.Settlement{
			TenantID:     tenantID,
			TierName:     tier,
			Endpoint:     endpoint,
			Method:       c.Request.Method,
			RequestSize:  requestSize,
			ResponseSize: int64(c.Writer.Size()),
			Duration:     time.Since(start),
			StatusCode:   c.Writer.Status(),
			Reference:    uuid.NewString(),
		})
	}
}
