package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// PostgresStore implements Store with PostgreSQL. Amounts are NUMERIC(20,0)
// base units bounded to the u64 range by CHECK constraints.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, owner, mint solana.PublicKey) (*Balance, error) {
	var available string
	err := p.db.QueryRowContext(ctx, `
		SELECT available::TEXT FROM ledger_balances
		WHERE owner = $1 AND mint = $2`,
		owner.String(), mint.String(),
	).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{Owner: owner, Mint: mint}, nil
	}
	if err != nil {
		return nil, err
	}
	amt, err := strconv.ParseUint(available, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	return &Balance{Owner: owner, Mint: mint, Available: amt}, nil
}

func (p *PostgresStore) Credit(ctx context.Context, owner, mint solana.PublicKey, amount uint64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_deposits (reference, created_at) VALUES ($1, NOW())
		ON CONFLICT (reference) DO NOTHING`, reference)
	if err != nil {
		return fmt.Errorf("failed to record deposit: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrDuplicateDeposit
	}

	if err := creditTx(ctx, tx, owner, mint, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, owner, mint, EntryDeposit, amount, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Lock(ctx context.Context, owner, mint solana.PublicKey, amount uint64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	amt := strconv.FormatUint(amount, 10)
	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_holdings (reference, owner, mint, amount, closed, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,0), FALSE, NOW())
		ON CONFLICT (reference) DO NOTHING`,
		reference, owner.String(), mint.String(), amt)
	if err != nil {
		return fmt.Errorf("failed to create holding: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrHoldingExists
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			available  = available - $3::NUMERIC(20,0),
			updated_at = NOW()
		WHERE owner = $1 AND mint = $2 AND available >= $3::NUMERIC(20,0)`,
		owner.String(), mint.String(), amt)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}

	if err := insertEntry(ctx, tx, owner, mint, EntryLock, amount, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetHolding(ctx context.Context, reference string) (*Holding, error) {
	return scanHolding(p.db.QueryRowContext(ctx, `
		SELECT reference, owner, mint, amount::TEXT, closed, created_at
		FROM ledger_holdings WHERE reference = $1`, reference))
}

func (p *PostgresStore) Disburse(ctx context.Context, reference string, payouts []Payout) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	h, err := scanHolding(tx.QueryRowContext(ctx, `
		SELECT reference, owner, mint, amount::TEXT, closed, created_at
		FROM ledger_holdings WHERE reference = $1 FOR UPDATE`, reference))
	if err != nil {
		return err
	}
	if h.Closed {
		return ErrHoldingClosed
	}

	for _, po := range payouts {
		if err := creditTx(ctx, tx, po.Owner, h.Mint, po.Amount); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, po.Owner, h.Mint, EntryPayout, po.Amount, reference); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_holdings SET closed = TRUE WHERE reference = $1`, reference); err != nil {
		return fmt.Errorf("failed to close holding: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, owner solana.PublicKey, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner, mint, type, amount::TEXT, COALESCE(reference, ''), created_at
		FROM ledger_entries WHERE owner = $1
		ORDER BY created_at DESC LIMIT $2`, owner.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e                  Entry
			ownerS, mintS, amt string
		)
		if err := rows.Scan(&e.ID, &ownerS, &mintS, &e.Type, &amt, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Owner, err = solana.PublicKeyFromBase58(ownerS); err != nil {
			return nil, err
		}
		if e.Mint, err = solana.PublicKeyFromBase58(mintS); err != nil {
			return nil, err
		}
		if e.Amount, err = strconv.ParseUint(amt, 10, 64); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func creditTx(ctx context.Context, tx *sql.Tx, owner, mint solana.PublicKey, amount uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (owner, mint, available, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,0), NOW())
		ON CONFLICT (owner, mint) DO UPDATE SET
			available  = ledger_balances.available + $3::NUMERIC(20,0),
			updated_at = NOW()`,
		owner.String(), mint.String(), strconv.FormatUint(amount, 10))
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, owner, mint solana.PublicKey, typ string, amount uint64, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, owner, mint, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,0), $6, NOW())`,
		uuid.NewString(), owner.String(), mint.String(), typ, strconv.FormatUint(amount, 10), reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHolding(row rowScanner) (*Holding, error) {
	var (
		h                  Holding
		ownerS, mintS, amt string
	)
	err := row.Scan(&h.Reference, &ownerS, &mintS, &amt, &h.Closed, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldingNotFound
	}
	if err != nil {
		return nil, err
	}
	if h.Owner, err = solana.PublicKeyFromBase58(ownerS); err != nil {
		return nil, fmt.Errorf("decode owner: %w", err)
	}
	if h.Mint, err = solana.PublicKeyFromBase58(mintS); err != nil {
		return nil, fmt.Errorf("decode mint: %w", err)
	}
	if h.Amount, err = strconv.ParseUint(amt, 10, 64); err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	return &h, nil
}

var _ Store = (*PostgresStore)(nil)
