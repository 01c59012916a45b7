// Package usage defines the analytics record written for every metered call.
package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record captures one metered API call. Records are persisted
// asynchronously and at-least-once; the ledger, not this table, is the
// billing source of truth.
type Record struct {
	ID           string
	TenantID     string
	Endpoint     string
	Method       string
	RequestSize  int64
	ResponseSize int64
	DurationMs   int64
	StatusCode   int
	Cost         decimal.Decimal
	Charged      bool
	CreatedAt    time.Time
}
