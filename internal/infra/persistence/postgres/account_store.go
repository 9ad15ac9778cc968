package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/accountstore"
	"github.com/tradeforge/omsgate/internal/schema"
)

// AccountStore persists gateway accounts.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore constructs an AccountStore backed by the provided pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const (
	accountInsertSQL = `
INSERT INTO accounts (
    exchange_account,
    testnet,
    position_mode,
    recon_policy,
    worker_hint,
    raw_storage_mode,
    allow_new_positions,
    active
)
VALUES (
    @exchange_account,
    @testnet,
    @position_mode,
    @recon_policy::jsonb,
    @worker_hint,
    @raw_storage_mode,
    @allow_new_positions,
    @active
)
RETURNING id, created_at, updated_at;
`

	accountSelectBase = `
SELECT
    id,
    exchange_account,
    testnet,
    position_mode,
    recon_policy,
    worker_hint,
    raw_storage_mode,
    allow_new_positions,
    active,
    created_at,
    updated_at
FROM accounts
`

	accountWorkerHintSQL = `
UPDATE accounts SET worker_hint = @hint, updated_at = NOW() WHERE id = @id;
`

	accountRiskFlagsSQL = `
UPDATE accounts
SET allow_new_positions = @allow_new_positions,
    active = @active,
    updated_at = NOW()
WHERE id = @id;
`

	accountReconPolicySQL = `
UPDATE accounts SET recon_policy = @recon_policy::jsonb, updated_at = NOW() WHERE id = @id;
`
)

func (s *AccountStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("account store: nil pool")
	}
	return s.pool, nil
}

// Create inserts a new account and returns the stored row.
func (s *AccountStore) Create(ctx context.Context, account schema.Account) (schema.Account, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Account{}, err
	}
	if strings.TrimSpace(account.ExchangeAccount) == "" {
		return schema.Account{}, errs.New("", errs.CodeValidation, errs.WithMessage("exchange account required"))
	}
	if err := account.PositionMode.Validate(); err != nil {
		return schema.Account{}, errs.New("", errs.CodeValidation, errs.WithCause(err))
	}
	policy, err := encodeReconPolicy(account.ReconPolicy)
	if err != nil {
		return schema.Account{}, err
	}
	args := pgx.NamedArgs{
		"exchange_account":    strings.TrimSpace(account.ExchangeAccount),
		"testnet":             account.Testnet,
		"position_mode":       string(account.PositionMode),
		"recon_policy":        policy,
		"worker_hint":         account.WorkerHint,
		"raw_storage_mode":    string(account.RawStorageMode),
		"allow_new_positions": account.AllowNewPositions,
		"active":              account.Active,
	}
	row := pool.QueryRow(ctx, accountInsertSQL, args)
	if err := row.Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt); err != nil {
		return schema.Account{}, fmt.Errorf("account store: insert account: %w", err)
	}
	return account, nil
}

// Get returns the account by id.
func (s *AccountStore) Get(ctx context.Context, id int64) (schema.Account, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Account{}, err
	}
	row := pool.QueryRow(ctx, accountSelectBase+" WHERE id = $1", id)
	return scanAccount(row)
}

// GetByExchangeAccount returns the account addressed by its external handle.
func (s *AccountStore) GetByExchangeAccount(ctx context.Context, exchangeAccount string) (schema.Account, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Account{}, err
	}
	row := pool.QueryRow(ctx, accountSelectBase+" WHERE exchange_account = $1", strings.TrimSpace(exchangeAccount))
	return scanAccount(row)
}

// ListActive returns all active accounts ordered by id.
func (s *AccountStore) ListActive(ctx context.Context) ([]schema.Account, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, accountSelectBase+" WHERE active ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("account store: list active: %w", err)
	}
	defer rows.Close()

	var accounts []schema.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account store: iterate accounts: %w", err)
	}
	return accounts, nil
}

// SetWorkerHint persists the dispatcher's worker assignment.
func (s *AccountStore) SetWorkerHint(ctx context.Context, id int64, hint int) error {
	return s.update(ctx, accountWorkerHintSQL, pgx.NamedArgs{"id": id, "hint": hint})
}

// SetRiskFlags updates the mutable risk-state toggles.
func (s *AccountStore) SetRiskFlags(ctx context.Context, id int64, flags accountstore.RiskFlags) error {
	return s.update(ctx, accountRiskFlagsSQL, pgx.NamedArgs{
		"id":                  id,
		"allow_new_positions": flags.AllowNewPositions,
		"active":              flags.Active,
	})
}

// SetReconPolicy replaces the per-account reconciliation overrides.
func (s *AccountStore) SetReconPolicy(ctx context.Context, id int64, policy schema.ReconPolicy) error {
	encoded, err := encodeReconPolicy(policy)
	if err != nil {
		return err
	}
	return s.update(ctx, accountReconPolicySQL, pgx.NamedArgs{"id": id, "recon_policy": encoded})
}

func (s *AccountStore) update(ctx context.Context, sql string, args pgx.NamedArgs) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, sql, args)
	if err != nil {
		return fmt.Errorf("account store: update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("account not found"))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (schema.Account, error) {
	var (
		account     schema.Account
		mode        string
		storageMode string
		policyBytes []byte
	)
	if err := row.Scan(
		&account.ID,
		&account.ExchangeAccount,
		&account.Testnet,
		&mode,
		&policyBytes,
		&account.WorkerHint,
		&storageMode,
		&account.AllowNewPositions,
		&account.Active,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Account{}, errs.New("", errs.CodeNotFound, errs.WithMessage("account not found"))
		}
		return schema.Account{}, fmt.Errorf("account store: scan account: %w", err)
	}
	account.PositionMode = schema.PositionMode(mode)
	account.RawStorageMode = schema.RawStorageMode(storageMode)
	policy, err := decodeReconPolicy(policyBytes)
	if err != nil {
		return schema.Account{}, err
	}
	account.ReconPolicy = policy
	return account, nil
}

func encodeReconPolicy(policy schema.ReconPolicy) ([]byte, error) {
	if len(policy) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("account store: encode recon policy: %w", err)
	}
	return data, nil
}

func decodeReconPolicy(raw []byte) (schema.ReconPolicy, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var policy schema.ReconPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("account store: decode recon policy: %w", err)
	}
	if len(policy) == 0 {
		return nil, nil
	}
	return policy, nil
}
