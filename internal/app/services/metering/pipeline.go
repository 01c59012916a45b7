// Package metering ties pricing and the credit ledger into the request
// path: an advisory pre-check before the handler runs, authoritative
// settlement after the response is formed.
package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/billing"
	domain "github.com/ProofMesh-Network/proof_layer/internal/app/domain/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/usage"
	"github.com/ProofMesh-Network/proof_layer/internal/app/metrics"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/ledger"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/pricing"
	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// Pipeline meters billable API calls. The pre-check is advisory: it reads
// the balance without reserving anything, so a race between check and
// settlement can briefly take a balance below zero. Settlement against the
// ledger is the authoritative charge.
type Pipeline struct {
	pricing *pricing.Service
	ledger  *ledger.Service
	queue   *UsageQueue
	log     *logger.Logger
}

// NewPipeline wires the metering pipeline. queue may be nil to disable
// usage analytics.
func NewPipeline(pricingSvc *pricing.Service, ledgerSvc *ledger.Service, queue *UsageQueue, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewDefault("metering")
	}
	return &Pipeline{
		pricing: pricingSvc,
		ledger:  ledgerSvc,
		queue:   queue,
		log:     log,
	}
}

// PreCheckResult is the outcome of the advisory pre-request check.
type PreCheckResult struct {
	Allowed       bool
	EstimatedCost decimal.Decimal
	Required      decimal.Decimal
	Available     decimal.Decimal
	Reason        string
}

// PreCheck estimates the request's cost and checks the tenant can plausibly
// pay it. A rejection carries the required and available amounts for the
// Payment-Required response. Tier misconfiguration is an error, not a
// rejection.
func (p *Pipeline) PreCheck(ctx context.Context, tenantID, tierName, endpoint string, requestSize int64) (PreCheckResult, error) {
	tier, err := p.pricing.GetTier(ctx, tierName)
	if err != nil {
		return PreCheckResult{}, err
	}

	if err := pricing.CheckLimits(tier, requestSize); err != nil {
		return PreCheckResult{Reason: err.Error()}, nil
	}

	estimate := pricing.Estimate(tier, endpoint, requestSize)

	acct, err := p.ledger.GetAccount(ctx, tenantID)
	if err != nil {
		return PreCheckResult{}, fmt.Errorf("read account: %w", err)
	}
	if !acct.IsActive {
		return PreCheckResult{
			EstimatedCost: estimate.TotalPrice,
			Reason:        "account suspended",
		}, nil
	}

	available := acct.Balance
	if acct.AllowNegativeBalance {
		available = available.Add(acct.MaxNegativeBalance)
	}
	if available.LessThan(estimate.TotalPrice) {
		return PreCheckResult{
			EstimatedCost: estimate.TotalPrice,
			Required:      estimate.TotalPrice,
			Available:     acct.Balance,
			Reason:        "insufficient credits",
		}, nil
	}

	return PreCheckResult{Allowed: true, EstimatedCost: estimate.TotalPrice}, nil
}

// Settlement describes one completed request to settle.
type Settlement struct {
	TenantID     string
	TierName     string
	Endpoint     string
	Method       string
	RequestSize  int64
	ResponseSize int64
	Duration     time.Duration
	StatusCode   int
	Reference    string
}

// Settle computes the actual cost and deducts it, then queues the usage
// record. The response has already been sent: failures here are logged and
// recorded as uncharged usage, never surfaced to the client. Settlement
// completes with its own timeout even if the caller's context is gone.
func (p *Pipeline) Settle(ctx context.Context, s Settlement) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	rec := usage.Record{
		TenantID:     s.TenantID,
		Endpoint:     pricing.NormalizeEndpoint(s.Endpoint),
		Method:       s.Method,
		RequestSize:  s.RequestSize,
		ResponseSize: s.ResponseSize,
		DurationMs:   s.Duration.Milliseconds(),
		StatusCode:   s.StatusCode,
	}

	cost, err := p.cost(ctx, s)
	if err != nil {
		p.log.WithError(err).WithField("tenant_id", s.TenantID).Error("settlement cost lookup failed")
		p.enqueue(rec)
		return
	}
	rec.Cost = cost.TotalPrice

	if cost.TotalPrice.IsPositive() {
		_, _, err = p.ledger.Deduct(ctx, s.TenantID, cost.TotalPrice, ledger.TxMeta{
			Type:        billing.TxUsage,
			Description: fmt.Sprintf("%s %s", s.Method, rec.Endpoint),
			Reference:   s.Reference,
			ProcessedBy: "metering",
		})
		switch {
		case err == nil:
			rec.Charged = true
			metrics.RecordDeduction("charged")
		default:
			p.log.WithError(err).
				WithField("tenant_id", s.TenantID).
				WithField("cost", cost.TotalPrice.String()).
				Warn("settlement deduct failed")
			if _, ok := billing.IsInsufficientCredits(err); ok {
				metrics.RecordDeduction("rejected")
			} else {
				metrics.RecordDeduction("error")
			}
		}
	}

	p.enqueue(rec)
}

func (p *Pipeline) cost(ctx context.Context, s Settlement) (domain.Cost, error) {
	tier, err := p.pricing.GetTier(ctx, s.TierName)
	if err != nil {
		return domain.Cost{}, err
	}
	return pricing.Calculate(tier, s.Endpoint, s.RequestSize, s.ResponseSize, s.Duration.Milliseconds()), nil
}

func (p *Pipeline) enqueue(rec usage.Record) {
	if p.queue == nil {
		return
	}
	p.queue.Enqueue(rec)
}
