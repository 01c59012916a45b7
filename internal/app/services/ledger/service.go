// Package ledger maintains the per-tenant credit balance and its append-only
// transaction history. Correctness under concurrency comes from the storage
// layer's row locking, not from in-process locks: multiple replicas may
// mutate the same account.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/billing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage"
	"github.com/ProofMesh-Network/proof_layer/internal/notify"
	"github.com/ProofMesh-Network/proof_layer/pkg/cache"
	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// txConflictRetries bounds the retry of ledger transactions that lost a row
// lock race. This is deliberately separate from the network retry policy;
// storage conflicts resolve in milliseconds or not at all.
const txConflictRetries = 3

// balanceCacheTTL bounds staleness of cached balance reads between the
// explicit invalidations done on every mutation.
const balanceCacheTTL = 30 * time.Second

// TxMeta describes the ledger entry written for a balance mutation.
type TxMeta struct {
	Type        billing.TransactionType
	Description string
	Reference   string
	ProcessedBy string
}

// Service is the credit ledger.
type Service struct {
	store    storage.CreditStore
	cache    cache.Cache
	notifier notify.Notifier
	log      *logger.Logger

	sleep func(time.Duration)
}

// New constructs a ledger service. cache and notifier may be nil.
func New(store storage.CreditStore, c cache.Cache, notifier notify.Notifier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	return &Service{
		store:    store,
		cache:    c,
		notifier: notifier,
		log:      log,
		sleep:    time.Sleep,
	}
}

// GetAccount returns the tenant's account, creating it lazily on first
// access. Reads go through the balance cache when one is configured.
func (s *Service) GetAccount(ctx context.Context, tenantID string) (billing.CreditAccount, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return billing.CreditAccount{}, fmt.Errorf("tenant_id is required")
	}

	if s.cache != nil {
		var acct billing.CreditAccount
		if err := cache.GetJSON(ctx, s.cache, balanceKey(tenantID), &acct); err == nil {
			return acct, nil
		}
	}

	acct, err := s.store.GetOrCreateAccount(ctx, tenantID)
	if err != nil {
		return billing.CreditAccount{}, err
	}
	s.cacheAccount(ctx, acct)
	return acct, nil
}

// GetBalance returns the tenant's current balance.
func (s *Service) GetBalance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	acct, err := s.GetAccount(ctx, tenantID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return acct.Balance, nil
}

// Deduct removes amount from the tenant's balance. The account update and
// its ledger entry commit in one storage transaction; a failed validation
// writes nothing. Rejections surface as InsufficientCreditsError before any
// write.
func (s *Service) Deduct(ctx context.Context, tenantID string, amount decimal.Decimal, meta TxMeta) (billing.CreditAccount, billing.CreditTransaction, error) {
	if meta.Type == "" {
		meta.Type = billing.TxUsage
	}
	if err := validateMutation(tenantID, amount, meta); err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, err
	}

	acct, entry, err := s.apply(ctx, tenantID, func(acct *billing.CreditAccount) (billing.CreditTransaction, error) {
		if !acct.IsActive {
			return billing.CreditTransaction{}, billing.ErrAccountSuspended
		}

		next := acct.Balance.Sub(amount)
		if next.IsNegative() {
			floor := decimal.Zero
			if acct.AllowNegativeBalance {
				floor = acct.MaxNegativeBalance.Neg()
			}
			if next.LessThan(floor) {
				return billing.CreditTransaction{}, &billing.InsufficientCreditsError{
					TenantID:  acct.TenantID,
					Required:  amount,
					Available: acct.Balance,
				}
			}
		}

		acct.Balance = next
		acct.TotalUsed = acct.TotalUsed.Add(amount)
		return billing.CreditTransaction{
			Type:        meta.Type,
			Amount:      amount.Neg(),
			Description: meta.Description,
			Reference:   meta.Reference,
			ProcessedBy: meta.ProcessedBy,
		}, nil
	})
	if err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, err
	}

	s.afterDeduct(acct, entry)
	return acct, entry, nil
}

// Credit adds amount to the tenant's balance using the given transaction
// type (TOPUP, REFUND, BONUS or ADJUSTMENT).
func (s *Service) Credit(ctx context.Context, tenantID string, amount decimal.Decimal, meta TxMeta) (billing.CreditAccount, billing.CreditTransaction, error) {
	if meta.Type == "" {
		meta.Type = billing.TxTopup
	}
	if err := validateMutation(tenantID, amount, meta); err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, err
	}

	return s.apply(ctx, tenantID, func(acct *billing.CreditAccount) (billing.CreditTransaction, error) {
		if !acct.IsActive {
			return billing.CreditTransaction{}, billing.ErrAccountSuspended
		}
		acct.Balance = acct.Balance.Add(amount)
		acct.TotalAllocated = acct.TotalAllocated.Add(amount)
		return billing.CreditTransaction{
			Type:        meta.Type,
			Amount:      amount,
			Description: meta.Description,
			Reference:   meta.Reference,
			ProcessedBy: meta.ProcessedBy,
		}, nil
	})
}

// UpdateSettings mutates the account's billing knobs. The change is recorded
// as a zero-amount ADJUSTMENT entry so settings history is auditable.
func (s *Service) UpdateSettings(ctx context.Context, tenantID string, settings billing.Settings, processedBy string) (billing.CreditAccount, error) {
	if settings.AutoTopupAmount != nil && settings.AutoTopupAmount.IsNegative() {
		return billing.CreditAccount{}, fmt.Errorf("auto_topup_amount cannot be negative")
	}
	if settings.MaxNegativeBalance != nil && settings.MaxNegativeBalance.IsNegative() {
		return billing.CreditAccount{}, fmt.Errorf("max_negative_balance cannot be negative")
	}

	acct, _, err := s.apply(ctx, tenantID, func(acct *billing.CreditAccount) (billing.CreditTransaction, error) {
		if settings.LowBalanceThreshold != nil {
			v := *settings.LowBalanceThreshold
			acct.LowBalanceThreshold = &v
		}
		if settings.AutoTopupEnabled != nil {
			acct.AutoTopupEnabled = *settings.AutoTopupEnabled
		}
		if settings.AutoTopupAmount != nil {
			v := *settings.AutoTopupAmount
			acct.AutoTopupAmount = &v
		}
		if settings.AllowNegativeBalance != nil {
			acct.AllowNegativeBalance = *settings.AllowNegativeBalance
		}
		if settings.MaxNegativeBalance != nil {
			acct.MaxNegativeBalance = *settings.MaxNegativeBalance
		}
		return billing.CreditTransaction{
			Type:        billing.TxAdjustment,
			Amount:      decimal.Zero,
			Description: "account settings updated",
			ProcessedBy: processedBy,
		}, nil
	})
	return acct, err
}

// Suspend deactivates the account. Suspended accounts reject all balance
// mutations until reactivated. Accounts are never hard-deleted.
func (s *Service) Suspend(ctx context.Context, tenantID, reason, processedBy string) (billing.CreditAccount, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return billing.CreditAccount{}, fmt.Errorf("suspension reason is required")
	}

	acct, _, err := s.apply(ctx, tenantID, func(acct *billing.CreditAccount) (billing.CreditTransaction, error) {
		if !acct.IsActive {
			return billing.CreditTransaction{}, fmt.Errorf("account already suspended")
		}
		now := time.Now().UTC()
		acct.IsActive = false
		acct.SuspendedAt = &now
		acct.SuspensionReason = reason
		return billing.CreditTransaction{
			Type:        billing.TxAdjustment,
			Amount:      decimal.Zero,
			Description: "account suspended: " + reason,
			ProcessedBy: processedBy,
		}, nil
	})
	if err != nil {
		return billing.CreditAccount{}, err
	}

	s.fireEvent(notify.Event{
		Type:     notify.EventAccountSuspended,
		TenantID: tenantID,
		Payload:  map[string]interface{}{"reason": reason},
	})
	return acct, nil
}

// Reactivate re-enables a suspended account.
func (s *Service) Reactivate(ctx context.Context, tenantID, processedBy string) (billing.CreditAccount, error) {
	acct, _, err := s.apply(ctx, tenantID, func(acct *billing.CreditAccount) (billing.CreditTransaction, error) {
		if acct.IsActive {
			return billing.CreditTransaction{}, fmt.Errorf("account is not suspended")
		}
		acct.IsActive = true
		acct.SuspendedAt = nil
		acct.SuspensionReason = ""
		return billing.CreditTransaction{
			Type:        billing.TxAdjustment,
			Amount:      decimal.Zero,
			Description: "account reactivated",
			ProcessedBy: processedBy,
		}, nil
	})
	if err != nil {
		return billing.CreditAccount{}, err
	}

	s.fireEvent(notify.Event{Type: notify.EventAccountReactivated, TenantID: tenantID})
	return acct, nil
}

// History returns the tenant's ledger entries, newest first.
func (s *Service) History(ctx context.Context, tenantID string, limit, offset int) ([]billing.CreditTransaction, error) {
	return s.store.ListTransactions(ctx, tenantID, limit, offset)
}

// apply runs a ledger mutation with bounded retry on storage conflicts and
// invalidates the balance cache after a commit.
func (s *Service) apply(ctx context.Context, tenantID string, fn storage.ApplyFunc) (billing.CreditAccount, billing.CreditTransaction, error) {
	var (
		acct  billing.CreditAccount
		entry billing.CreditTransaction
		err   error
	)
	for attempt := 1; attempt <= txConflictRetries; attempt++ {
		acct, entry, err = s.store.Apply(ctx, tenantID, fn)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrTxConflict) || attempt == txConflictRetries {
			return billing.CreditAccount{}, billing.CreditTransaction{}, err
		}
		s.log.WithError(err).
			WithField("tenant_id", tenantID).
			WithField("attempt", attempt).
			Warn("ledger transaction conflict, retrying")
		s.sleep(time.Duration(attempt) * 10 * time.Millisecond)
	}

	s.invalidate(ctx, tenantID)
	return acct, entry, nil
}

// afterDeduct triggers low-balance side effects. These run outside the
// storage transaction and never block or roll back the deduction.
func (s *Service) afterDeduct(acct billing.CreditAccount, entry billing.CreditTransaction) {
	if acct.LowBalanceThreshold == nil {
		return
	}
	threshold := *acct.LowBalanceThreshold
	crossedDown := entry.BalanceBefore.GreaterThan(threshold) && !entry.BalanceAfter.GreaterThan(threshold)
	if !crossedDown {
		return
	}

	s.fireEvent(notify.Event{
		Type:     notify.EventLowBalance,
		TenantID: acct.TenantID,
		Payload: map[string]interface{}{
			"balance":   acct.Balance.String(),
			"threshold": threshold.String(),
		},
	})

	if acct.AutoTopupEnabled && acct.AutoTopupAmount != nil && acct.AutoTopupAmount.IsPositive() {
		amount := *acct.AutoTopupAmount
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if _, _, err := s.Credit(ctx, acct.TenantID, amount, TxMeta{
				Type:        billing.TxTopup,
				Description: "automatic top-up",
				Reference:   entry.ID,
				ProcessedBy: "system",
			}); err != nil {
				s.log.WithError(err).WithField("tenant_id", acct.TenantID).Warn("auto top-up failed")
				return
			}
			s.fireEvent(notify.Event{
				Type:     notify.EventAutoTopup,
				TenantID: acct.TenantID,
				Payload:  map[string]interface{}{"amount": amount.String()},
			})
		}()
	}
}

func (s *Service) fireEvent(event notify.Event) {
	event.OccurredAt = time.Now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, event); err != nil {
			s.log.WithError(err).WithField("event", event.Type).Warn("notification delivery failed")
		}
	}()
}

func (s *Service) cacheAccount(ctx context.Context, acct billing.CreditAccount) {
	if s.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, s.cache, balanceKey(acct.TenantID), acct, balanceCacheTTL); err != nil {
		s.log.WithError(err).WithField("tenant_id", acct.TenantID).Warn("cache account failed")
	}
}

func (s *Service) invalidate(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, balanceKey(tenantID)); err != nil {
		s.log.WithError(err).WithField("tenant_id", tenantID).Warn("invalidate balance cache failed")
	}
}

func balanceKey(tenantID string) string { return "credit:account:" + tenantID }

func validateMutation(tenantID string, amount decimal.Decimal, meta TxMeta) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if !billing.ValidTransactionType(meta.Type) {
		return fmt.Errorf("invalid transaction type %q", meta.Type)
	}
	return nil
}
