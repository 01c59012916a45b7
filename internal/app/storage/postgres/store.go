package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/anchoring"
	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/billing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/usage"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Ledger
// mutations take a row lock on the account (SELECT ... FOR UPDATE) so
// concurrent deductions on one tenant serialize across process replicas.
type Store struct {
	db *sqlx.DB
}

var _ storage.CreditStore = (*Store)(nil)
var _ storage.PricingTierStore = (*Store)(nil)
var _ storage.AnchorStore = (*Store)(nil)
var _ storage.UsageStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type accountRow struct {
	ID                   string           `db:"id"`
	TenantID             string           `db:"tenant_id"`
	Balance              decimal.Decimal  `db:"balance"`
	TotalAllocated       decimal.Decimal  `db:"total_allocated"`
	TotalUsed            decimal.Decimal  `db:"total_used"`
	LowBalanceThreshold  *decimal.Decimal `db:"low_balance_threshold"`
	AutoTopupEnabled     bool             `db:"auto_topup_enabled"`
	AutoTopupAmount      *decimal.Decimal `db:"auto_topup_amount"`
	AllowNegativeBalance bool             `db:"allow_negative_balance"`
	MaxNegativeBalance   decimal.Decimal  `db:"max_negative_balance"`
	IsActive             bool             `db:"is_active"`
	SuspendedAt          *time.Time       `db:"suspended_at"`
	SuspensionReason     sql.NullString   `db:"suspension_reason"`
	CreatedAt            time.Time        `db:"created_at"`
	UpdatedAt            time.Time        `db:"updated_at"`
}

func (r accountRow) domain() billing.CreditAccount {
	return billing.CreditAccount{
		ID:                   r.ID,
		TenantID:             r.TenantID,
		Balance:              r.Balance,
		TotalAllocated:       r.TotalAllocated,
		TotalUsed:            r.TotalUsed,
		LowBalanceThreshold:  r.LowBalanceThreshold,
		AutoTopupEnabled:     r.AutoTopupEnabled,
		AutoTopupAmount:      r.AutoTopupAmount,
		AllowNegativeBalance: r.AllowNegativeBalance,
		MaxNegativeBalance:   r.MaxNegativeBalance,
		IsActive:             r.IsActive,
		SuspendedAt:          r.SuspendedAt,
		SuspensionReason:     r.SuspensionReason.String,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

const accountColumns = `id, tenant_id, balance, total_allocated, total_used,
	low_balance_threshold, auto_topup_enabled, auto_topup_amount,
	allow_negative_balance, max_negative_balance, is_active,
	suspended_at, suspension_reason, created_at, updated_at`

// --- CreditStore ------------------------------------------------------------

func (s *Store) GetOrCreateAccount(ctx context.Context, tenantID string) (billing.CreditAccount, error) {
	acct, err := s.GetAccount(ctx, tenantID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return billing.CreditAccount{}, err
	}

	now := time.Now().UTC()
	// ON CONFLICT tolerates a concurrent first-touch of the same tenant.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (id, tenant_id, balance, total_allocated, total_used,
			auto_topup_enabled, allow_negative_balance, max_negative_balance,
			is_active, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, FALSE, FALSE, 0, TRUE, $3, $3)
		ON CONFLICT (tenant_id) DO NOTHING
	`, uuid.NewString(), tenantID, now)
	if err != nil {
		return billing.CreditAccount{}, mapTxError(err)
	}
	return s.GetAccount(ctx, tenantID)
}

func (s *Store) GetAccount(ctx context.Context, tenantID string) (billing.CreditAccount, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM credit_accounts
		WHERE tenant_id = $1
	`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.CreditAccount{}, storage.ErrNotFound
	}
	if err != nil {
		return billing.CreditAccount{}, err
	}
	return row.domain(), nil
}

func (s *Store) Apply(ctx context.Context, tenantID string, apply storage.ApplyFunc) (billing.CreditAccount, billing.CreditTransaction, error) {
	if _, err := s.GetOrCreateAccount(ctx, tenantID); err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, err
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, mapTxError(err)
	}
	defer func() { _ = tx.Rollback() }()

	var row accountRow
	err = tx.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM credit_accounts
		WHERE tenant_id = $1
		FOR UPDATE
	`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.CreditAccount{}, billing.CreditTransaction{}, storage.ErrNotFound
	}
	if err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, mapTxError(err)
	}

	acct := row.domain()
	before := acct.Balance

	entry, err := apply(&acct)
	if err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, err
	}

	now := time.Now().UTC()
	acct.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = $2, total_allocated = $3, total_used = $4,
			low_balance_threshold = $5, auto_topup_enabled = $6, auto_topup_amount = $7,
			allow_negative_balance = $8, max_negative_balance = $9, is_active = $10,
			suspended_at = $11, suspension_reason = $12, updated_at = $13
		WHERE id = $1
	`, acct.ID, acct.Balance, acct.TotalAllocated, acct.TotalUsed,
		acct.LowBalanceThreshold, acct.AutoTopupEnabled, acct.AutoTopupAmount,
		acct.AllowNegativeBalance, acct.MaxNegativeBalance, acct.IsActive,
		acct.SuspendedAt, nullString(acct.SuspensionReason), now)
	if err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, mapTxError(err)
	}

	entry.ID = uuid.NewString()
	entry.AccountID = acct.ID
	entry.TenantID = tenantID
	entry.BalanceBefore = before
	entry.BalanceAfter = acct.Balance
	entry.CreatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, account_id, tenant_id, type, amount,
			balance_before, balance_after, description, reference, processed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.AccountID, entry.TenantID, entry.Type, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.Description,
		nullString(entry.Reference), nullString(entry.ProcessedBy), entry.CreatedAt)
	if err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return billing.CreditAccount{}, billing.CreditTransaction{}, mapTxError(err)
	}
	return acct, entry, nil
}

func (s *Store) ListTransactions(ctx context.Context, tenantID string, limit, offset int) ([]billing.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, account_id, tenant_id, type, amount, balance_before, balance_after,
			description, reference, processed_by, created_at
		FROM credit_transactions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.CreditTransaction
	for rows.Next() {
		var (
			entry       billing.CreditTransaction
			reference   sql.NullString
			processedBy sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.TenantID, &entry.Type,
			&entry.Amount, &entry.BalanceBefore, &entry.BalanceAfter,
			&entry.Description, &reference, &processedBy, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Reference = reference.String
		entry.ProcessedBy = processedBy.String
		out = append(out, entry)
	}
	return out, rows.Err()
}

// --- PricingTierStore -------------------------------------------------------

func (s *Store) GetTier(ctx context.Context, name string) (pricing.Tier, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, name, version, base_price, size_multiplier, duration_multiplier,
			endpoint_pricing, max_request_size, max_duration_ms, is_active,
			created_at, updated_at
		FROM pricing_tiers
		WHERE LOWER(name) = LOWER($1)
	`, name)
	return scanTier(row)
}

func (s *Store) UpsertTier(ctx context.Context, tier pricing.Tier) (pricing.Tier, error) {
	endpointJSON, err := json.Marshal(tier.EndpointPricing)
	if err != nil {
		return pricing.Tier{}, err
	}
	now := time.Now().UTC()
	if tier.ID == "" {
		tier.ID = uuid.NewString()
	}

	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO pricing_tiers (id, name, version, base_price, size_multiplier,
			duration_multiplier, endpoint_pricing, max_request_size, max_duration_ms,
			is_active, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (name) DO UPDATE SET
			version = pricing_tiers.version + 1,
			base_price = EXCLUDED.base_price,
			size_multiplier = EXCLUDED.size_multiplier,
			duration_multiplier = EXCLUDED.duration_multiplier,
			endpoint_pricing = EXCLUDED.endpoint_pricing,
			max_request_size = EXCLUDED.max_request_size,
			max_duration_ms = EXCLUDED.max_duration_ms,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		RETURNING id, name, version, base_price, size_multiplier, duration_multiplier,
			endpoint_pricing, max_request_size, max_duration_ms, is_active,
			created_at, updated_at
	`, tier.ID, tier.Name, tier.BasePrice, tier.SizeMultiplier, tier.DurationMultiplier,
		endpointJSON, tier.MaxRequestSize, tier.MaxDuration.Milliseconds(), tier.IsActive, now)
	return scanTier(row)
}

func (s *Store) ListTiers(ctx context.Context) ([]pricing.Tier, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, name, version, base_price, size_multiplier, duration_multiplier,
			endpoint_pricing, max_request_size, max_duration_ms, is_active,
			created_at, updated_at
		FROM pricing_tiers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.Tier
	for rows.Next() {
		tier, err := scanTier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tier)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTier(row rowScanner) (pricing.Tier, error) {
	var (
		tier          pricing.Tier
		endpointRaw   []byte
		maxDurationMs int64
	)
	err := row.Scan(&tier.ID, &tier.Name, &tier.Version, &tier.BasePrice,
		&tier.SizeMultiplier, &tier.DurationMultiplier, &endpointRaw,
		&tier.MaxRequestSize, &maxDurationMs, &tier.IsActive,
		&tier.CreatedAt, &tier.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pricing.Tier{}, storage.ErrNotFound
	}
	if err != nil {
		return pricing.Tier{}, err
	}
	tier.MaxDuration = time.Duration(maxDurationMs) * time.Millisecond
	if len(endpointRaw) > 0 {
		if err := json.Unmarshal(endpointRaw, &tier.EndpointPricing); err != nil {
			return pricing.Tier{}, fmt.Errorf("decode endpoint pricing: %w", err)
		}
	}
	return tier, nil
}

// --- AnchorStore ------------------------------------------------------------

func (s *Store) SaveAnchorRecord(ctx context.Context, rec anchoring.Record) (anchoring.Record, error) {
	rec.Recount()
	resultsJSON, err := json.Marshal(rec.Results)
	if err != nil {
		return anchoring.Record{}, err
	}
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO anchor_records (id, verification_hash, results, anchored_count,
			chain_count, fully_anchored, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (verification_hash) DO UPDATE SET
			results = EXCLUDED.results,
			anchored_count = EXCLUDED.anchored_count,
			chain_count = EXCLUDED.chain_count,
			fully_anchored = EXCLUDED.fully_anchored,
			updated_at = EXCLUDED.updated_at
		RETURNING id, verification_hash, results, anchored_count, chain_count,
			fully_anchored, created_at, updated_at
	`, rec.ID, rec.VerificationHash, resultsJSON, rec.AnchoredCount,
		rec.ChainCount, rec.FullyAnchored, now)
	return scanAnchorRecord(row)
}

func (s *Store) GetAnchorRecord(ctx context.Context, verificationHash string) (anchoring.Record, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, verification_hash, results, anchored_count, chain_count,
			fully_anchored, created_at, updated_at
		FROM anchor_records
		WHERE verification_hash = $1
	`, verificationHash)
	return scanAnchorRecord(row)
}

func (s *Store) ListPartiallyAnchored(ctx context.Context, olderThan time.Time, limit int) ([]anchoring.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, verification_hash, results, anchored_count, chain_count,
			fully_anchored, created_at, updated_at
		FROM anchor_records
		WHERE NOT fully_anchored AND chain_count > 0 AND updated_at <= $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []anchoring.Record
	for rows.Next() {
		rec, err := scanAnchorRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAnchorRecord(row rowScanner) (anchoring.Record, error) {
	var (
		rec        anchoring.Record
		resultsRaw []byte
	)
	err := row.Scan(&rec.ID, &rec.VerificationHash, &resultsRaw, &rec.AnchoredCount,
		&rec.ChainCount, &rec.FullyAnchored, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return anchoring.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return anchoring.Record{}, err
	}
	if len(resultsRaw) > 0 {
		if err := json.Unmarshal(resultsRaw, &rec.Results); err != nil {
			return anchoring.Record{}, fmt.Errorf("decode anchor results: %w", err)
		}
	}
	return rec, nil
}

// --- UsageStore -------------------------------------------------------------

func (s *Store) InsertUsage(ctx context.Context, rec usage.Record) (usage.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, tenant_id, endpoint, method, request_size,
			response_size, duration_ms, status_code, cost, charged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.TenantID, rec.Endpoint, rec.Method, rec.RequestSize,
		rec.ResponseSize, rec.DurationMs, rec.StatusCode, rec.Cost, rec.Charged, rec.CreatedAt)
	if err != nil {
		return usage.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListUsage(ctx context.Context, tenantID string, since time.Time, limit int) ([]usage.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, tenant_id, endpoint, method, request_size, response_size,
			duration_ms, status_code, cost, charged, created_at
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []usage.Record
	for rows.Next() {
		var rec usage.Record
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Endpoint, &rec.Method,
			&rec.RequestSize, &rec.ResponseSize, &rec.DurationMs, &rec.StatusCode,
			&rec.Cost, &rec.Charged, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// helpers ---------------------------------------------------------------------

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// mapTxError converts lock/serialization failures into ErrTxConflict so the
// ledger can retry them at the storage-transaction boundary.
func mapTxError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return fmt.Errorf("%w: %v", storage.ErrTxConflict, err)
		}
	}
	return err
}
