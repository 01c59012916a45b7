// Package httpapi exposes the REST surface: credit management, anchoring,
// pricing, usage analytics and operational endpoints.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/billing"
	pricingdomain "github.com/ProofMesh-Network/proof_layer/internal/app/domain/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/metrics"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/anchor"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/ledger"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage"
	"github.com/ProofMesh-Network/proof_layer/internal/middleware"
	"github.com/ProofMesh-Network/proof_layer/internal/resilience"
	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// Deps bundles everything the REST surface needs.
type Deps struct {
	Ledger    *ledger.Service
	Pricing   *pricing.Service
	Anchors   *anchor.Orchestrator
	Usage     storage.UsageStore
	Breakers  *resilience.Registry
	Auth      *middleware.Auth
	RateLimit *middleware.RateLimiter
	Metering  *middleware.Metering
	Log       *logger.Logger
}

type handler struct {
	deps  Deps
	audit *auditLog
	log   *logger.Logger
}

// NewRouter builds the gin engine with the full route table. Billable
// routes run through auth, rate limiting and metering; admin routes
// additionally require the admin role.
func NewRouter(deps Deps) *gin.Engine {
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{deps: deps, audit: newAuditLog(200), log: log}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1", deps.Auth.Handler(), deps.RateLimit.Handler())

	credits := v1.Group("/credits")
	{
		credits.GET("/balance", h.getBalance)
		credits.GET("/transactions", h.listTransactions)
		credits.PUT("/settings", h.updateSettings)

		admin := credits.Group("", middleware.RequireAdmin())
		admin.POST("/topup", h.topup)
		admin.POST("/adjust", h.adjust)
		admin.POST("/suspend", h.suspend)
		admin.POST("/reactivate", h.reactivate)
	}

	anchors := v1.Group("/anchors", deps.Metering.Handler())
	{
		anchors.POST("", h.anchorAll)
		anchors.GET("/:hash", h.verifyAll)
		anchors.GET("/:hash/:chain", h.verifyOne)
	}

	pricingGroup := v1.Group("/pricing")
	{
		pricingGroup.GET("/tiers", h.listTiers)
		pricingGroup.GET("/estimate", h.estimate)
		pricingGroup.POST("/tiers", middleware.RequireAdmin(), h.saveTier)
	}

	v1.GET("/usage", h.listUsage)

	system := v1.Group("/system", middleware.RequireAdmin())
	{
		system.GET("/breakers", h.listBreakers)
		system.POST("/breakers/:name/reset", h.resetBreaker)
		system.GET("/audit", h.listAudit)
	}

	return r
}

// --- credits ---

func (h *handler) getBalance(c *gin.Context) {
	acct, err := h.deps.Ledger.GetAccount(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant_id": acct.TenantID,
		"balance":   acct.Balance.String(),
		"active":    acct.IsActive,
		"allocated": acct.TotalAllocated.String(),
		"used":      acct.TotalUsed.String(),
	})
}

func (h *handler) listTransactions(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	txs, err := h.deps.Ledger.History(c.Request.Context(), middleware.TenantID(c), limit, offset)
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

type settingsRequest struct {
	LowBalanceThreshold  *string `json:"low_balance_threshold"`
	AutoTopupEnabled     *bool   `json:"auto_topup_enabled"`
	AutoTopupAmount      *string `json:"auto_topup_amount"`
	AllowNegativeBalance *bool   `json:"allow_negative_balance"`
	MaxNegativeBalance   *string `json:"max_negative_balance"`
}

func (h *handler) updateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	settings := billing.Settings{
		AutoTopupEnabled:     req.AutoTopupEnabled,
		AllowNegativeBalance: req.AllowNegativeBalance,
	}
	var err error
	if settings.LowBalanceThreshold, err = optDecimal(req.LowBalanceThreshold); err != nil {
		badRequest(c, err)
		return
	}
	if settings.AutoTopupAmount, err = optDecimal(req.AutoTopupAmount); err != nil {
		badRequest(c, err)
		return
	}
	if settings.MaxNegativeBalance, err = optDecimal(req.MaxNegativeBalance); err != nil {
		badRequest(c, err)
		return
	}

	tenantID := middleware.TenantID(c)
	acct, err := h.deps.Ledger.UpdateSettings(c.Request.Context(), tenantID, settings, tenantID)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

type creditMutationRequest struct {
	TenantID    string `json:"tenant_id" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

func (h *handler) topup(c *gin.Context) {
	h.adminCredit(c, billing.TxTopup)
}

func (h *handler) adjust(c *gin.Context) {
	h.adminCredit(c, billing.TxAdjustment)
}

func (h *handler) adminCredit(c *gin.Context, fallback billing.TransactionType) {
	var req creditMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		badRequest(c, err)
		return
	}
	txType := billing.TransactionType(req.Type)
	if req.Type == "" {
		txType = fallback
	}

	meta := ledger.TxMeta{
		Type:        txType,
		Description: req.Description,
		Reference:   req.Reference,
		ProcessedBy: middleware.TenantID(c),
	}

	var acct billing.CreditAccount
	var entry billing.CreditTransaction
	if txType == billing.TxPenalty {
		acct, entry, err = h.deps.Ledger.Deduct(c.Request.Context(), req.TenantID, amount, meta)
	} else {
		acct, entry, err = h.deps.Ledger.Credit(c.Request.Context(), req.TenantID, amount, meta)
	}
	if err != nil {
		h.ledgerError(c, err)
		return
	}

	h.audit.add(auditEntry{
		Tenant: req.TenantID,
		Actor:  middleware.TenantID(c),
		Action: string(txType),
		Detail: amount.String(),
	})
	c.JSON(http.StatusOK, gin.H{"balance": acct.Balance.String(), "transaction": entry})
}

type suspendRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	Reason   string `json:"reason"`
}

func (h *handler) suspend(c *gin.Context) {
	var req suspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	acct, err := h.deps.Ledger.Suspend(c.Request.Context(), req.TenantID, req.Reason, middleware.TenantID(c))
	if err != nil {
		badRequest(c, err)
		return
	}
	h.audit.add(auditEntry{Tenant: req.TenantID, Actor: middleware.TenantID(c), Action: "suspend", Detail: req.Reason})
	c.JSON(http.StatusOK, acct)
}

func (h *handler) reactivate(c *gin.Context) {
	var req suspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	acct, err := h.deps.Ledger.Reactivate(c.Request.Context(), req.TenantID, middleware.TenantID(c))
	if err != nil {
		badRequest(c, err)
		return
	}
	h.audit.add(auditEntry{Tenant: req.TenantID, Actor: middleware.TenantID(c), Action: "reactivate"})
	c.JSON(http.StatusOK, acct)
}

// --- anchoring ---

type anchorRequest struct {
	VerificationHash string `json:"verification_hash" binding:"required"`
}

func (h *handler) anchorAll(c *gin.Context) {
	var req anchorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	rec, err := h.deps.Anchors.AnchorAll(c.Request.Context(), req.VerificationHash)
	if err != nil {
		h.serverError(c, err)
		return
	}
	// Partial success is a valid terminal state: 200 with per-chain detail.
	c.JSON(http.StatusOK, rec)
}

func (h *handler) verifyAll(c *gin.Context) {
	hash := c.Param("hash")
	results := h.deps.Anchors.VerifyAllAnchors(c.Request.Context(), hash)
	c.JSON(http.StatusOK, gin.H{"verification_hash": hash, "results": results})
}

func (h *handler) verifyOne(c *gin.Context) {
	result, err := h.deps.Anchors.VerifyAnchor(c.Request.Context(), c.Param("hash"), c.Param("chain"))
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- pricing ---

func (h *handler) listTiers(c *gin.Context) {
	tiers, err := h.deps.Pricing.ListTiers(c.Request.Context())
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tiers": tiers})
}

func (h *handler) estimate(c *gin.Context) {
	tierName := c.DefaultQuery("tier", "standard")
	endpoint := c.Query("endpoint")
	size := int64(intQuery(c, "request_size", 0))

	tier, err := h.deps.Pricing.GetTier(c.Request.Context(), tierName)
	if err != nil {
		if errors.Is(err, pricingdomain.ErrTierNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.serverError(c, err)
		return
	}

	cost := pricing.Estimate(tier, endpoint, size)
	c.JSON(http.StatusOK, gin.H{
		"tier":           tier.Name,
		"endpoint":       pricing.NormalizeEndpoint(endpoint),
		"estimated_cost": cost.TotalPrice.String(),
		"breakdown": gin.H{
			"base":     cost.BasePrice.String(),
			"size":     cost.SizePrice.String(),
			"duration": cost.DurationPrice.String(),
			"endpoint": cost.EndpointPrice.String(),
		},
	})
}

type tierRequest struct {
	Name               string            `json:"name" binding:"required"`
	BasePrice          string            `json:"base_price" binding:"required"`
	SizeMultiplier     string            `json:"size_multiplier"`
	DurationMultiplier string            `json:"duration_multiplier"`
	EndpointPricing    map[string]string `json:"endpoint_pricing"`
	MaxRequestSize     int64             `json:"max_request_size"`
	MaxDurationMs      int64             `json:"max_duration_ms"`
	Active             bool              `json:"active"`
}

func (h *handler) saveTier(c *gin.Context) {
	var req tierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	tier := pricingdomain.Tier{
		Name:           req.Name,
		MaxRequestSize: req.MaxRequestSize,
		MaxDuration:    time.Duration(req.MaxDurationMs) * time.Millisecond,
		IsActive:       req.Active,
	}
	var err error
	if tier.BasePrice, err = decimal.NewFromString(req.BasePrice); err != nil {
		badRequest(c, err)
		return
	}
	if tier.SizeMultiplier, err = parseDecimalOrZero(req.SizeMultiplier); err != nil {
		badRequest(c, err)
		return
	}
	if tier.DurationMultiplier, err = parseDecimalOrZero(req.DurationMultiplier); err != nil {
		badRequest(c, err)
		return
	}
	if len(req.EndpointPricing) > 0 {
		tier.EndpointPricing = make(map[string]decimal.Decimal, len(req.EndpointPricing))
		for endpoint, price := range req.EndpointPricing {
			p, err := decimal.NewFromString(price)
			if err != nil {
				badRequest(c, err)
				return
			}
			tier.EndpointPricing[pricing.NormalizeEndpoint(endpoint)] = p
		}
	}

	saved, err := h.deps.Pricing.SaveTier(c.Request.Context(), tier)
	if err != nil {
		badRequest(c, err)
		return
	}
	h.audit.add(auditEntry{Actor: middleware.TenantID(c), Action: "save_tier", Detail: saved.Name})
	c.JSON(http.StatusOK, saved)
}

// --- usage ---

func (h *handler) listUsage(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, err)
			return
		}
		since = parsed
	}

	recs, err := h.deps.Usage.ListUsage(c.Request.Context(), middleware.TenantID(c), since, intQuery(c, "limit", 100))
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": recs, "count": len(recs)})
}

// --- system ---

func (h *handler) listBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.deps.Breakers.Stats()})
}

func (h *handler) resetBreaker(c *gin.Context) {
	name := c.Param("name")
	if !h.deps.Breakers.Reset(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown breaker " + name})
		return
	}
	h.audit.add(auditEntry{Actor: middleware.TenantID(c), Action: "reset_breaker", Detail: name})
	c.JSON(http.StatusOK, gin.H{"reset": name})
}

func (h *handler) listAudit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": h.audit.list()})
}

// --- helpers ---

func (h *handler) ledgerError(c *gin.Context, err error) {
	if ice, ok := billing.IsInsufficientCredits(err); ok {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient credits",
			"required":  ice.Required.String(),
			"available": ice.Available.String(),
		})
		return
	}
	if errors.Is(err, billing.ErrAccountSuspended) {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	badRequest(c, err)
}

func (h *handler) serverError(c *gin.Context, err error) {
	h.log.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func parseDecimalOrZero(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func optDecimal(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
