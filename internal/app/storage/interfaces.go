package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/anchoring"
	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/billing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/usage"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrTxConflict is returned when a ledger transaction lost a row lock race
// (serialization failure, deadlock victim, lock timeout). Callers may retry
// a bounded number of times.
var ErrTxConflict = errors.New("storage: transaction conflict")

// ApplyFunc validates and mutates a credit account inside a storage
// transaction. The account passed in reflects the row-locked current state.
// Returning an error aborts the transaction with no writes. On success the
// returned transaction is appended to the ledger in the same storage
// transaction as the account update; the store fills ID, AccountID,
// TenantID, BalanceBefore/After and CreatedAt.
type ApplyFunc func(acct *billing.CreditAccount) (billing.CreditTransaction, error)

// CreditStore persists credit accounts and their append-only transactions.
// Apply must serialize concurrent calls for the same account while leaving
// different accounts unblocked.
type CreditStore interface {
	GetOrCreateAccount(ctx context.Context, tenantID string) (billing.CreditAccount, error)
	GetAccount(ctx context.Context, tenantID string) (billing.CreditAccount, error)
	Apply(ctx context.Context, tenantID string, apply ApplyFunc) (billing.CreditAccount, billing.CreditTransaction, error)
	ListTransactions(ctx context.Context, tenantID string, limit, offset int) ([]billing.CreditTransaction, error)
}

// PricingTierStore persists pricing tiers.
type PricingTierStore interface {
	GetTier(ctx context.Context, name string) (pricing.Tier, error)
	UpsertTier(ctx context.Context, tier pricing.Tier) (pricing.Tier, error)
	ListTiers(ctx context.Context) ([]pricing.Tier, error)
}

// AnchorStore persists anchoring records.
type AnchorStore interface {
	SaveAnchorRecord(ctx context.Context, rec anchoring.Record) (anchoring.Record, error)
	GetAnchorRecord(ctx context.Context, verificationHash string) (anchoring.Record, error)
	ListPartiallyAnchored(ctx context.Context, olderThan time.Time, limit int) ([]anchoring.Record, error)
}

// UsageStore persists usage analytics records.
type UsageStore interface {
	InsertUsage(ctx context.Context, rec usage.Record) (usage.Record, error)
	ListUsage(ctx context.Context, tenantID string, since time.Time, limit int) ([]usage.Record, error)
}
