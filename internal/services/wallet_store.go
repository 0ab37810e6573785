package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/wallet/internal/models"
	"github.com/ruralpay/wallet/internal/money"
)

const (
	accountColumns = `id, owner_id, routing_number, balance, created_at, updated_at`
	entryColumns   = `id, account_id, kind, amount, status, reference, counterparty_routing_number, metadata, created_at`

	constraintRoutingNumber = "accounts_routing_number_key"
	constraintOwner         = "accounts_owner_id_key"
	constraintReference     = "ledger_entries_reference_key"

	defaultListLimit = 50
	maxListLimit     = 100
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MissingAccountError is returned by LockAccounts when an id has no row.
type MissingAccountError struct {
	AccountID string
}

func (e *MissingAccountError) Error() string {
	return fmt.Sprintf("account %s not found", e.AccountID)
}

func (e *MissingAccountError) Unwrap() error { return ErrAccountNotFound }

// LockedTx is a store transaction that remembers which account rows it holds
// exclusive locks on, together with the balances re-read under those locks.
type LockedTx struct {
	*sql.Tx
	locked map[string]*models.Account
}

// Account returns the locked snapshot for id.
func (t *LockedTx) Account(id string) (*models.Account, bool) {
	a, ok := t.locked[id]
	return a, ok
}

type StoreConfig struct {
	LockTimeout          time.Duration
	RoutingNumberRetries int
}

// WalletStore owns account balances and their ledger entries. Every balance
// mutation goes through a LockedTx.
type WalletStore struct {
	db               *sql.DB
	lockTimeout      time.Duration
	routingRetries   int
	newRoutingNumber func() (string, error)
	now              func() time.Time
	logger           *zap.Logger
}

func NewWalletStore(db *sql.DB, cfg StoreConfig, logger *zap.Logger) *WalletStore {
	retries := cfg.RoutingNumberRetries
	if retries <= 0 {
		retries = 5
	}
	return &WalletStore{
		db:               db,
		lockTimeout:      cfg.LockTimeout,
		routingRetries:   retries,
		newRoutingNumber: NewRoutingNumber,
		now:              time.Now,
		logger:           logger,
	}
}

// RunInTx opens a transaction, applies the lock timeout and runs fn. The
// transaction is committed only if fn returns nil and rolled back otherwise.
func (s *WalletStore) RunInTx(ctx context.Context, fn func(tx *LockedTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyStoreError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if s.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return classifyStoreError(fmt.Errorf("failed to set lock timeout: %w", err))
		}
	}

	ltx := &LockedTx{Tx: tx, locked: make(map[string]*models.Account)}
	if err := fn(ltx); err != nil {
		return classifyStoreError(err)
	}

	if err := tx.Commit(); err != nil {
		return classifyStoreError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// LockAccounts takes exclusive row locks on every id in ascending id order,
// regardless of the order the caller passes them in.
func (s *WalletStore) LockAccounts(ctx context.Context, tx *LockedTx, ids ...string) error {
	ordered := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		if _, held := tx.locked[id]; held {
			continue
		}
		account, err := s.lockAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		tx.locked[id] = account
	}
	return nil
}

func (s *WalletStore) lockAccount(ctx context.Context, tx *LockedTx, accountID string) (*models.Account, error) {
	account, err := scanAccount(tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &MissingAccountError{AccountID: accountID}
		}
		return nil, fmt.Errorf("failed to lock account %s: %w", accountID, err)
	}
	return account, nil
}

// DebitAccount subtracts amount from a locked account. The balance check uses
// the value re-read under the lock; the guarded UPDATE is the backstop.
func (s *WalletStore) DebitAccount(ctx context.Context, tx *LockedTx, accountID string, amount money.Amount) error {
	account, ok := tx.locked[accountID]
	if !ok {
		return fmt.Errorf("debit %s: %w", accountID, ErrAccountNotLocked)
	}
	if !amount.Positive() {
		return ErrInvalidAmount
	}
	if account.Balance < amount {
		return ErrInsufficientFunds
	}

	now := s.now()
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance - $1, updated_at = $2
		WHERE id = $3 AND balance >= $1`,
		amount, now, accountID)
	if err != nil {
		return fmt.Errorf("failed to debit account %s: %w", accountID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrInsufficientFunds
	}

	account.Balance -= amount
	account.UpdatedAt = now
	return nil
}

// CreditAccount adds amount to a locked account.
func (s *WalletStore) CreditAccount(ctx context.Context, tx *LockedTx, accountID string, amount money.Amount) error {
	account, ok := tx.locked[accountID]
	if !ok {
		return fmt.Errorf("credit %s: %w", accountID, ErrAccountNotLocked)
	}
	if !amount.Positive() {
		return ErrInvalidAmount
	}

	now := s.now()
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1, updated_at = $2
		WHERE id = $3`,
		amount, now, accountID)
	if err != nil {
		return fmt.Errorf("failed to credit account %s: %w", accountID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return &MissingAccountError{AccountID: accountID}
	}

	account.Balance += amount
	account.UpdatedAt = now
	return nil
}

// GetBalance is a point read without locks.
func (s *WalletStore) GetBalance(ctx context.Context, accountID string) (money.Amount, error) {
	var balance money.Amount
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return 0, ErrAccountNotFound
		}
		return 0, classifyStoreError(fmt.Errorf("failed to read balance for %s: %w", accountID, err))
	}
	return balance, nil
}

func (s *WalletStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1`, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return nil, ErrAccountNotFound
		}
		return nil, classifyStoreError(fmt.Errorf("failed to get account %s: %w", accountID, err))
	}
	return account, nil
}

func (s *WalletStore) FindByOwner(ctx context.Context, ownerID string) (*models.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE owner_id = $1`, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, classifyStoreError(fmt.Errorf("failed to get account for owner %s: %w", ownerID, err))
	}
	return account, nil
}

// FindByRoutingNumber looks an account up without locking it.
func (s *WalletStore) FindByRoutingNumber(ctx context.Context, q Querier, routingNumber string) (*models.Account, error) {
	account, err := scanAccount(q.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE routing_number = $1`, routingNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account by routing number: %w", err)
	}
	return account, nil
}

// CreateWallet creates the owner's account with balance 0 and a fresh routing
// number. If the owner already has one it is returned with ErrWalletExists.
func (s *WalletStore) CreateWallet(ctx context.Context, ownerID string) (*models.Account, error) {
	existing, err := s.FindByOwner(ctx, ownerID)
	if err == nil {
		return existing, ErrWalletExists
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	for attempt := 1; attempt <= s.routingRetries; attempt++ {
		routingNumber, err := s.newRoutingNumber()
		if err != nil {
			return nil, err
		}

		var taken bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM accounts WHERE routing_number = $1)`, routingNumber).Scan(&taken); err != nil {
			return nil, classifyStoreError(fmt.Errorf("failed to check routing number: %w", err))
		}
		if taken {
			s.logger.Debug("routing number collision, retrying", zap.Int("attempt", attempt))
			continue
		}

		now := s.now()
		account := &models.Account{
			ID:            uuid.NewString(),
			OwnerID:       ownerID,
			RoutingNumber: routingNumber,
			Balance:       0,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO accounts (id, owner_id, routing_number, balance, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			account.ID, account.OwnerID, account.RoutingNumber, account.Balance, account.CreatedAt, account.UpdatedAt)
		if err == nil {
			return account, nil
		}
		switch {
		case isUniqueViolation(err, constraintRoutingNumber):
			s.logger.Debug("routing number taken on insert, retrying", zap.Int("attempt", attempt))
			continue
		case isUniqueViolation(err, constraintOwner):
			existing, findErr := s.FindByOwner(ctx, ownerID)
			if findErr != nil {
				return nil, findErr
			}
			return existing, ErrWalletExists
		default:
			return nil, classifyStoreError(fmt.Errorf("failed to create wallet for owner %s: %w", ownerID, err))
		}
	}

	return nil, ErrRoutingNumberExhausted
}

// InsertEntry writes a ledger entry, assigning id and timestamp when unset.
func (s *WalletStore) InsertEntry(ctx context.Context, q Querier, entry *models.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if !entry.Amount.Positive() {
		return ErrInvalidAmount
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.AccountID, string(entry.Kind), entry.Amount, string(entry.Status),
		entry.Reference, entry.CounterpartyRoutingNumber, entry.Metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert %s entry for account %s: %w", entry.Kind, entry.AccountID, err)
	}
	return nil
}

// LockEntryByReference takes an exclusive lock on the entry carrying reference.
func (s *WalletStore) LockEntryByReference(ctx context.Context, tx *LockedTx, reference string) (*models.LedgerEntry, error) {
	entry, err := scanEntry(tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE reference = $1
		FOR UPDATE`, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownReference
		}
		return nil, fmt.Errorf("failed to lock entry %s: %w", reference, err)
	}
	return entry, nil
}

func (s *WalletStore) GetEntryByReference(ctx context.Context, reference string) (*models.LedgerEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE reference = $1`, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownReference
		}
		return nil, classifyStoreError(fmt.Errorf("failed to get entry %s: %w", reference, err))
	}
	return entry, nil
}

// SetEntryStatus moves a pending entry to status, merging extra into its
// metadata. Entries that are no longer pending are left untouched.
func (s *WalletStore) SetEntryStatus(ctx context.Context, q Querier, entryID string, status models.EntryStatus, extra models.Metadata) error {
	result, err := q.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = $1, metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($2::jsonb, '{}'::jsonb)
		WHERE id = $3 AND status = 'pending'`,
		string(status), extra, entryID)
	if err != nil {
		return fmt.Errorf("failed to set entry %s to %s: %w", entryID, status, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrDepositFinalized
	}
	return nil
}

// ListEntries returns the most recent entries for an account, newest first.
func (s *WalletStore) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to list entries for %s: %w", accountID, err))
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExpirePendingDeposits fails every pending deposit created before cutoff.
// The status predicate is re-evaluated under each row lock, so an entry that
// a concurrent confirmation already moved to success is skipped.
func (s *WalletStore) ExpirePendingDeposits(ctx context.Context, cutoff time.Time, reason string) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE ledger_entries
		SET status = 'failed',
			metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('failure_reason', $1::text)
		WHERE kind = 'deposit' AND status = 'pending' AND created_at < $2
		RETURNING `+entryColumns, reason, cutoff)
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to expire pending deposits: %w", err))
	}
	defer rows.Close()

	var expired []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired entry: %w", err)
		}
		expired = append(expired, *entry)
	}
	return expired, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.ID, &a.OwnerID, &a.RoutingNumber, &a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var (
		e            models.LedgerEntry
		reference    sql.NullString
		counterparty sql.NullString
	)
	err := row.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.Status,
		&reference, &counterparty, &e.Metadata, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if reference.Valid {
		e.Reference = &reference.String
	}
	if counterparty.Valid {
		e.CounterpartyRoutingNumber = &counterparty.String
	}
	return &e, nil
}
