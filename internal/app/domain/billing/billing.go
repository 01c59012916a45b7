// Package billing defines the credit account and ledger transaction model.
package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxTopup      TransactionType = "TOPUP"
	TxUsage      TransactionType = "USAGE"
	TxRefund     TransactionType = "REFUND"
	TxAdjustment TransactionType = "ADJUSTMENT"
	TxBonus      TransactionType = "BONUS"
	TxPenalty    TransactionType = "PENALTY"
)

// ValidTransactionType reports whether t is a known ledger entry type.
func ValidTransactionType(t TransactionType) bool {
	switch t {
	case TxTopup, TxUsage, TxRefund, TxAdjustment, TxBonus, TxPenalty:
		return true
	}
	return false
}

// CreditAccount is the per-tenant balance record. Balance is maintained by
// construction: every mutation adjusts Balance together with TotalAllocated
// or TotalUsed inside one storage transaction. Amounts are exact decimals;
// floats never touch money.
type CreditAccount struct {
	ID                  string
	TenantID            string
	Balance             decimal.Decimal
	TotalAllocated      decimal.Decimal
	TotalUsed           decimal.Decimal
	LowBalanceThreshold *decimal.Decimal
	AutoTopupEnabled    bool
	AutoTopupAmount     *decimal.Decimal
	AllowNegativeBalance bool
	MaxNegativeBalance  decimal.Decimal
	IsActive            bool
	SuspendedAt         *time.Time
	SuspensionReason    string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CreditTransaction is an immutable, append-only ledger entry. One row is
// written per balance mutation, in the same storage transaction as the
// account update.
type CreditTransaction struct {
	ID            string
	AccountID     string
	TenantID      string
	Type          TransactionType
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	Reference     string
	ProcessedBy   string
	CreatedAt     time.Time
}

// Settings carries the mutable account knobs exposed to tenants/operators.
// Nil pointers leave the current value untouched.
type Settings struct {
	LowBalanceThreshold  *decimal.Decimal
	AutoTopupEnabled     *bool
	AutoTopupAmount      *decimal.Decimal
	AllowNegativeBalance *bool
	MaxNegativeBalance   *decimal.Decimal
}

// ErrAccountSuspended is returned for mutations on a suspended account.
var ErrAccountSuspended = errors.New("credit account is suspended")

// InsufficientCreditsError rejects a deduction before any write happens.
type InsufficientCreditsError struct {
	TenantID  string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for tenant %s: required %s, available %s",
		e.TenantID, e.Required.String(), e.Available.String())
}

// IsInsufficientCredits reports whether err is an insufficient-credits
// rejection and returns it when so.
func IsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var ice *InsufficientCreditsError
	if errors.As(err, &ice) {
		return ice, true
	}
	return nil, false
}
