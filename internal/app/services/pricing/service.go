// Package pricing computes per-request costs from pricing tiers. All
// monetary arithmetic is exact decimal; floats never enter a price.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ProofMesh-Network/proof_layer/internal/app/domain/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage"
	"github.com/ProofMesh-Network/proof_layer/pkg/cache"
	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

var (
	kb         = decimal.NewFromInt(1024)
	msPerSec   = decimal.NewFromInt(1000)
	minRespEst = int64(1024)
)

// estimateDuration is the fixed duration assumed by Estimate before the
// handler has run. Estimates gate the pre-check only; final billing always
// uses the measured duration.
const estimateDuration = 100 * time.Millisecond

// tierCacheTTL keeps tier lookups cheap without letting pricing changes lag
// noticeably.
const tierCacheTTL = time.Minute

// Service resolves pricing tiers and computes request costs.
type Service struct {
	store storage.PricingTierStore
	cache cache.Cache
	log   *logger.Logger
}

// New constructs a pricing service. The cache may be nil, in which case every
// lookup hits the store.
func New(store storage.PricingTierStore, c cache.Cache, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("pricing")
	}
	return &Service{store: store, cache: c, log: log}
}

// GetTier loads a tier by name, consulting the short-TTL cache first.
// Inactive or unknown tiers surface as a TierNotFoundError.
func (s *Service) GetTier(ctx context.Context, name string) (domain.Tier, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return domain.Tier{}, &domain.TierNotFoundError{Name: name}
	}

	cacheKey := "pricing:tier:" + name
	if s.cache != nil {
		var tier domain.Tier
		if err := cache.GetJSON(ctx, s.cache, cacheKey, &tier); err == nil {
			return tier, nil
		}
	}

	tier, err := s.store.GetTier(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Tier{}, &domain.TierNotFoundError{Name: name}
	}
	if err != nil {
		return domain.Tier{}, fmt.Errorf("load pricing tier %s: %w", name, err)
	}
	if !tier.IsActive {
		return domain.Tier{}, &domain.TierNotFoundError{Name: name}
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, cacheKey, tier, tierCacheTTL); err != nil {
			s.log.WithError(err).WithField("tier", name).Warn("cache pricing tier failed")
		}
	}
	return tier, nil
}

// SaveTier validates and upserts a tier, then drops its cache entry so the
// next lookup sees the new version.
func (s *Service) SaveTier(ctx context.Context, tier domain.Tier) (domain.Tier, error) {
	tier.Name = strings.TrimSpace(tier.Name)
	if tier.Name == "" {
		return domain.Tier{}, fmt.Errorf("tier name is required")
	}
	if tier.BasePrice.IsNegative() || tier.SizeMultiplier.IsNegative() || tier.DurationMultiplier.IsNegative() {
		return domain.Tier{}, fmt.Errorf("tier prices cannot be negative")
	}
	for endpoint, price := range tier.EndpointPricing {
		if price.IsNegative() {
			return domain.Tier{}, fmt.Errorf("endpoint price for %s cannot be negative", endpoint)
		}
	}

	saved, err := s.store.UpsertTier(ctx, tier)
	if err != nil {
		return domain.Tier{}, err
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, "pricing:tier:"+strings.ToLower(saved.Name))
	}
	s.log.WithField("tier", saved.Name).WithField("version", saved.Version).Info("pricing tier saved")
	return saved, nil
}

// ListTiers returns all tiers.
func (s *Service) ListTiers(ctx context.Context) ([]domain.Tier, error) {
	return s.store.ListTiers(ctx)
}

// Calculate computes the final cost of a request from its measured shape.
//
//	sizePrice     = (requestSize+responseSize)/1024 * tier.SizeMultiplier
//	durationPrice = duration/1000 * tier.DurationMultiplier
//	endpointPrice = tier.EndpointPricing[normalized endpoint], 0 when absent
func Calculate(tier domain.Tier, endpoint string, requestSize, responseSize, durationMs int64) domain.Cost {
	sizeKB := decimal.NewFromInt(requestSize + responseSize).Div(kb)
	durationSec := decimal.NewFromInt(durationMs).Div(msPerSec)

	cost := domain.Cost{
		BasePrice:     tier.BasePrice,
		SizePrice:     sizeKB.Mul(tier.SizeMultiplier),
		DurationPrice: durationSec.Mul(tier.DurationMultiplier),
		EndpointPrice: decimal.Zero,
	}
	if price, ok := tier.EndpointPricing[NormalizeEndpoint(endpoint)]; ok {
		cost.EndpointPrice = price
	}
	cost.TotalPrice = cost.BasePrice.Add(cost.SizePrice).Add(cost.DurationPrice).Add(cost.EndpointPrice)
	return cost
}

// Estimate computes the advisory pre-check cost before the response exists,
// flooring the assumed response size at 1KB and using a fixed duration.
// Never used for final billing.
func Estimate(tier domain.Tier, endpoint string, requestSize int64) domain.Cost {
	responseSize := requestSize
	if responseSize < minRespEst {
		responseSize = minRespEst
	}
	return Calculate(tier, endpoint, requestSize, responseSize, estimateDuration.Milliseconds())
}

// CheckLimits rejects requests exceeding the tier's hard caps.
func CheckLimits(tier domain.Tier, requestSize int64) error {
	if tier.MaxRequestSize > 0 && requestSize > tier.MaxRequestSize {
		return fmt.Errorf("request size %d exceeds tier limit %d", requestSize, tier.MaxRequestSize)
	}
	return nil
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hashSegment    = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{32,}$`)
)

// NormalizeEndpoint collapses path parameters to placeholders so endpoint
// pricing keys stay exact: numeric and UUID segments become :id, long hex
// segments become :hash.
func NormalizeEndpoint(path string) string {
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		switch {
		case hashSegment.MatchString(part):
			parts[i] = ":hash"
		case numericSegment.MatchString(part), uuidSegment.MatchString(part):
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
