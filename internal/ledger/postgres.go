package ledger

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/1am3/excdev-test-lab/internal/money"
)

// PostgresStore persists balances and ledger entries in PostgreSQL. Per-user
// serialization relies on a row lock over the balances row held for the whole
// read-modify-write, so the balance read and write of one operation are atomic
// with respect to other mutators of the same user, across processes.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// lockBalance materializes the balance row if missing (seeded from the sum of
// completed entries) and returns the current balance under a row lock.
func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (money.Amount, error) {
	const seed = `
        INSERT INTO balances (user_id, balance)
        SELECT $1, COALESCE(SUM(CASE WHEN kind = 'deposit' THEN amount ELSE -amount END), 0)
        FROM operations WHERE user_id = $1 AND status = 'completed'
        ON CONFLICT (user_id) DO NOTHING`
	if _, err := tx.Exec(ctx, seed, userID); err != nil {
		return 0, storageErr("seed balance", err)
	}

	var balance int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM balances WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balance); err != nil {
		return 0, storageErr("lock balance", err)
	}
	return money.FromMinorUnits(balance), nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error) {
	const query = `
        INSERT INTO operations (user_id, kind, amount, balance_before, balance_after, status, description)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id, created_at, updated_at`
	err := tx.QueryRow(ctx, query,
		e.UserID, string(e.Kind), e.Amount.MinorUnits(),
		e.BalanceBefore.MinorUnits(), e.BalanceAfter.MinorUnits(),
		string(e.Status), e.Description,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Entry{}, storageErr("insert entry", err)
	}
	return e, nil
}

func setBalance(ctx context.Context, tx pgx.Tx, userID string, balance money.Amount) error {
	if _, err := tx.Exec(ctx, `UPDATE balances SET balance = $2, updated_at = now() WHERE user_id = $1`, userID, balance.MinorUnits()); err != nil {
		return storageErr("update balance", err)
	}
	return nil
}

func (s *PostgresStore) Deposit(ctx context.Context, userID string, amount money.Amount, description string) (Entry, error) {
	if !amount.Positive() {
		return Entry{}, ErrInvalidAmount
	}

	var entry Entry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		before, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		entry, err = insertEntry(ctx, tx, Entry{
			UserID:        userID,
			Kind:          KindDeposit,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  before + amount,
			Status:        StatusCompleted,
			Description:   description,
		})
		if err != nil {
			return err
		}
		return setBalance(ctx, tx, userID, entry.BalanceAfter)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *PostgresStore) Withdraw(ctx context.Context, userID string, amount money.Amount, description string) (Entry, error) {
	if !amount.Positive() {
		return Entry{}, ErrInvalidAmount
	}

	var entry Entry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		before, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if before < amount {
			return ErrInsufficientFunds
		}
		entry, err = insertEntry(ctx, tx, Entry{
			UserID:        userID,
			Kind:          KindWithdrawal,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  before - amount,
			Status:        StatusCompleted,
			Description:   description,
		})
		if err != nil {
			return err
		}
		return setBalance(ctx, tx, userID, entry.BalanceAfter)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *PostgresStore) RecordFailedWithdrawal(ctx context.Context, userID string, amount money.Amount, description string) (Entry, error) {
	if !amount.Positive() {
		return Entry{}, ErrInvalidAmount
	}

	var entry Entry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		entry, err = insertEntry(ctx, tx, Entry{
			UserID:        userID,
			Kind:          KindWithdrawal,
			Amount:        amount,
			BalanceBefore: current,
			BalanceAfter:  current,
			Status:        StatusFailed,
			Description:   description,
		})
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *PostgresStore) CreatePending(ctx context.Context, userID string, kind Kind, amount money.Amount, description string) (Entry, error) {
	if !amount.Positive() {
		return Entry{}, ErrInvalidAmount
	}
	if kind != KindDeposit && kind != KindWithdrawal {
		return Entry{}, ErrInvalidTransition
	}

	var entry Entry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = insertEntry(ctx, tx, Entry{
			UserID:      userID,
			Kind:        kind,
			Amount:      amount,
			Status:      StatusPending,
			Description: description,
		})
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *PostgresStore) Complete(ctx context.Context, entryID int64) (Entry, error) {
	var entry Entry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := lockEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			return ErrInvalidTransition
		}

		before, err := lockBalance(ctx, tx, current.UserID)
		if err != nil {
			return err
		}
		if current.Kind == KindWithdrawal && before < current.Amount {
			return ErrInsufficientFunds
		}

		after := before + current.Amount
		if current.Kind == KindWithdrawal {
			after = before - current.Amount
		}

		const update = `
            UPDATE operations
            SET balance_before = $2, balance_after = $3, status = $4, updated_at = now()
            WHERE id = $1
            RETURNING updated_at`
		if err := tx.QueryRow(ctx, update, entryID, before.MinorUnits(), after.MinorUnits(), string(StatusCompleted)).Scan(&current.UpdatedAt); err != nil {
			return storageErr("complete entry", err)
		}
		current.BalanceBefore = before
		current.BalanceAfter = after
		current.Status = StatusCompleted

		if err := setBalance(ctx, tx, current.UserID, after); err != nil {
			return err
		}
		entry = current
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *PostgresStore) Fail(ctx context.Context, entryID int64) (Entry, error) {
	return s.finalize(ctx, entryID, StatusFailed)
}

func (s *PostgresStore) Cancel(ctx context.Context, entryID int64) (Entry, error) {
	return s.finalize(ctx, entryID, StatusCancelled)
}

func (s *PostgresStore) finalize(ctx context.Context, entryID int64, status Status) (Entry, error) {
	var entry Entry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := lockEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			return ErrInvalidTransition
		}

		const update = `UPDATE operations SET status = $2, updated_at = now() WHERE id = $1 RETURNING updated_at`
		if err := tx.QueryRow(ctx, update, entryID, string(status)).Scan(&current.UpdatedAt); err != nil {
			return storageErr("finalize entry", err)
		}
		current.Status = status
		entry = current
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *PostgresStore) Entry(ctx context.Context, entryID int64) (Entry, error) {
	row := s.db.QueryRow(ctx, selectEntry+` WHERE id = $1`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, storageErr("select entry", err)
	}
	return entry, nil
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (money.Amount, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `SELECT balance FROM balances WHERE user_id = $1`, userID).Scan(&balance)
	if err == nil {
		return money.FromMinorUnits(balance), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, storageErr("select balance", err)
	}

	// No materialized row yet; derive from completed history without writing.
	const sum = `
        SELECT COALESCE(SUM(CASE WHEN kind = 'deposit' THEN amount ELSE -amount END), 0)
        FROM operations WHERE user_id = $1 AND status = 'completed'`
	if err := s.db.QueryRow(ctx, sum, userID).Scan(&balance); err != nil {
		return 0, storageErr("sum entries", err)
	}
	return money.FromMinorUnits(balance), nil
}

func (s *PostgresStore) EnsureInitialized(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := lockBalance(ctx, tx, userID)
		return err
	})
}

func (s *PostgresStore) Entries(ctx context.Context, userID string, filter HistoryFilter) ([]Entry, error) {
	query := selectEntry + ` WHERE user_id = $1`
	args := []any{userID}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += ` AND created_at <= $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("select entries", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr("scan entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate entries", err)
	}
	return entries, nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit tx", err)
	}
	return nil
}

const selectEntry = `
    SELECT id, user_id, kind, amount, balance_before, balance_after, status, description, created_at, updated_at
    FROM operations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                     Entry
		kind, status          string
		amount, before, after int64
		description           *string
	)
	if err := row.Scan(&e.ID, &e.UserID, &kind, &amount, &before, &after, &status, &description, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(status)
	e.Amount = money.FromMinorUnits(amount)
	e.BalanceBefore = money.FromMinorUnits(before)
	e.BalanceAfter = money.FromMinorUnits(after)
	if description != nil {
		e.Description = *description
	}
	return e, nil
}

// lockEntry fetches an entry under FOR UPDATE so status transitions serialize.
func lockEntry(ctx context.Context, tx pgx.Tx, entryID int64) (Entry, error) {
	row := tx.QueryRow(ctx, selectEntry+` WHERE id = $1 FOR UPDATE`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, storageErr("lock entry", err)
	}
	return entry, nil
}

