// Package pricing defines pricing tiers and cost breakdowns.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a named, versioned pricing rule set. Once loaded into a cost
// calculation a tier is treated as immutable.
type Tier struct {
	ID                 string
	Name               string
	Version            int
	BasePrice          decimal.Decimal
	SizeMultiplier     decimal.Decimal // per KB of request+response
	DurationMultiplier decimal.Decimal // per second of handler time
	EndpointPricing    map[string]decimal.Decimal
	MaxRequestSize     int64
	MaxDuration        time.Duration
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Cost is the per-request price breakdown.
type Cost struct {
	BasePrice     decimal.Decimal
	SizePrice     decimal.Decimal
	DurationPrice decimal.Decimal
	EndpointPrice decimal.Decimal
	TotalPrice    decimal.Decimal
}

// ErrTierNotFound indicates a configuration error: the request referenced a
// tier that does not exist or is inactive.
var ErrTierNotFound = errors.New("pricing tier not found")

// TierNotFoundError carries the missing tier name.
type TierNotFoundError struct {
	Name string
}

func (e *TierNotFoundError) Error() string {
	return fmt.Sprintf("pricing tier %q not found", e.Name)
}

func (e *TierNotFoundError) Unwrap() error { return ErrTierNotFound }
