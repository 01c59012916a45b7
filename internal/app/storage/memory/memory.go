package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/anchoring"
	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/billing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/usage"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development. Apply serializes per account through a per-account mutex so
// concurrent ledger mutations on the same tenant never interleave while
// different tenants proceed in parallel, matching the row-lock semantics of
// the Postgres store.
type Store struct {
	mu           sync.RWMutex
	accounts     map[string]billing.CreditAccount // tenantID -> account
	accountLocks map[string]*sync.Mutex           // tenantID -> apply lock
	transactions map[string][]billing.CreditTransaction
	tiers        map[string]pricing.Tier
	anchors      map[string]anchoring.Record
	usage        map[string][]usage.Record
}

var _ storage.CreditStore = (*Store)(nil)
var _ storage.PricingTierStore = (*Store)(nil)
var _ storage.AnchorStore = (*Store)(nil)
var _ storage.UsageStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]billing.CreditAccount),
		accountLocks: make(map[string]*sync.Mutex),
		transactions: make(map[string][]billing.CreditTransaction),
		tiers:        make(map[string]pricing.Tier),
		anchors:      make(map[string]anchoring.Record),
		usage:        make(map[string][]usage.Record),
	}
}

// CreditStore implementation -------------------------------------------------

func (s *Store) GetOrCreateAccount(_ context.Context, tenantID string) (billing.CreditAccount, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return billing.CreditAccount{}, fmt.Errorf("tenant_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[tenantID]; ok {
		return cloneAccount(acct), nil
	}

	now := time.Now().UTC()
	acct := billing.CreditAccount{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Balance:   decimal.Zero,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[tenantID] = acct
	s.accountLocks[tenantID] = &sync.Mutex{}
	return cloneAccount(acct), nil
}

func (s *Store) GetAccount(_ context.Context, tenantID string) (billing.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[tenantID]
	if !ok {
		return billing.CreditAccount{}, storage.ErrNotFound
	}
	return cloneAccount(acct), nil
}

func (s *Store) Apply(ctx context.Context, tenantID string, apply storage.ApplyFunc) (billing.CreditAccount, billing.CreditTransaction, error) {
	if _, err := s.GetOrCreateAccount(ctx, tenantID); err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, err
	}

	s.mu.RLock()
	lock := s.accountLocks[tenantID]
	s.mu.RUnlock()

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	acct := cloneAccount(s.accounts[tenantID])
	s.mu.RUnlock()

	before := acct.Balance
	tx, err := apply(&acct)
	if err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, err
	}

	now := time.Now().UTC()
	acct.UpdatedAt = now
	tx.ID = uuid.NewString()
	tx.AccountID = acct.ID
	tx.TenantID = tenantID
	tx.BalanceBefore = before
	tx.BalanceAfter = acct.Balance
	tx.CreatedAt = now

	s.mu.Lock()
	s.accounts[tenantID] = cloneAccount(acct)
	s.transactions[tenantID] = append(s.transactions[tenantID], tx)
	s.mu.Unlock()

	return acct, tx, nil
}

func (s *Store) ListTransactions(_ context.Context, tenantID string, limit, offset int) ([]billing.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.transactions[tenantID]
	// Newest first, matching the SQL store's ORDER BY created_at DESC.
	out := make([]billing.CreditTransaction, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// PricingTierStore implementation ---------------------------------------------

func (s *Store) GetTier(_ context.Context, name string) (pricing.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tier, ok := s.tiers[strings.ToLower(name)]
	if !ok {
		return pricing.Tier{}, storage.ErrNotFound
	}
	return cloneTier(tier), nil
}

func (s *Store) UpsertTier(_ context.Context, tier pricing.Tier) (pricing.Tier, error) {
	tier.Name = strings.TrimSpace(tier.Name)
	if tier.Name == "" {
		return pricing.Tier{}, fmt.Errorf("tier name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(tier.Name)
	now := time.Now().UTC()
	if existing, ok := s.tiers[key]; ok {
		tier.ID = existing.ID
		tier.Version = existing.Version + 1
		tier.CreatedAt = existing.CreatedAt
	} else {
		tier.ID = uuid.NewString()
		tier.Version = 1
		tier.CreatedAt = now
	}
	tier.UpdatedAt = now
	s.tiers[key] = cloneTier(tier)
	return tier, nil
}

func (s *Store) ListTiers(_ context.Context) ([]pricing.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]pricing.Tier, 0, len(s.tiers))
	for _, tier := range s.tiers {
		out = append(out, cloneTier(tier))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AnchorStore implementation ---------------------------------------------------

func (s *Store) SaveAnchorRecord(_ context.Context, rec anchoring.Record) (anchoring.Record, error) {
	if strings.TrimSpace(rec.VerificationHash) == "" {
		return anchoring.Record{}, fmt.Errorf("verification hash is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.anchors[rec.VerificationHash]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.ID = uuid.NewString()
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Recount()
	s.anchors[rec.VerificationHash] = cloneRecord(rec)
	return rec, nil
}

func (s *Store) GetAnchorRecord(_ context.Context, verificationHash string) (anchoring.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.anchors[verificationHash]
	if !ok {
		return anchoring.Record{}, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *Store) ListPartiallyAnchored(_ context.Context, olderThan time.Time, limit int) ([]anchoring.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []anchoring.Record
	for _, rec := range s.anchors {
		if rec.FullyAnchored || rec.ChainCount == 0 {
			continue
		}
		if rec.UpdatedAt.After(olderThan) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// UsageStore implementation ----------------------------------------------------

func (s *Store) InsertUsage(_ context.Context, rec usage.Record) (usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.usage[rec.TenantID] = append(s.usage[rec.TenantID], rec)
	return rec, nil
}

func (s *Store) ListUsage(_ context.Context, tenantID string, since time.Time, limit int) ([]usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []usage.Record
	for _, rec := range s.usage[tenantID] {
		if rec.CreatedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// helpers ----------------------------------------------------------------------

func cloneAccount(acct billing.CreditAccount) billing.CreditAccount {
	if acct.LowBalanceThreshold != nil {
		v := *acct.LowBalanceThreshold
		acct.LowBalanceThreshold = &v
	}
	if acct.AutoTopupAmount != nil {
		v := *acct.AutoTopupAmount
		acct.AutoTopupAmount = &v
	}
	if acct.SuspendedAt != nil {
		v := *acct.SuspendedAt
		acct.SuspendedAt = &v
	}
	return acct
}

func cloneTier(tier pricing.Tier) pricing.Tier {
	if tier.EndpointPricing != nil {
		m := make(map[string]decimal.Decimal, len(tier.EndpointPricing))
		for k, v := range tier.EndpointPricing {
			m[k] = v
		}
		tier.EndpointPricing = m
	}
	return tier
}

func cloneRecord(rec anchoring.Record) anchoring.Record {
	if rec.Results != nil {
		m := make(map[string]anchoring.AttemptResult, len(rec.Results))
		for k, v := range rec.Results {
			m[k] = v
		}
		rec.Results = m
	}
	return rec
}
