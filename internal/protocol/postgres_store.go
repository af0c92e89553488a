package protocol

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/lib/pq"
)

// PostgresStore persists the config as a single row keyed by id = 1.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed config store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context) (*Config, error) {
	var (
		authority string
		admins    []string
		cfg       Config
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT authority, admins, created_at, updated_at
		FROM protocol_config WHERE id = 1`,
	).Scan(&authority, pq.Array(&admins), &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}

	if cfg.Authority, err = solana.PublicKeyFromBase58(authority); err != nil {
		return nil, fmt.Errorf("decode authority: %w", err)
	}
	for _, a := range admins {
		pk, err := solana.PublicKeyFromBase58(a)
		if err != nil {
			return nil, fmt.Errorf("decode admin %q: %w", a, err)
		}
		cfg.Admins = append(cfg.Admins, pk)
	}
	return &cfg, nil
}

func (p *PostgresStore) Create(ctx context.Context, cfg *Config) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO protocol_config (id, authority, admins, created_at, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		cfg.Authority.String(), pq.Array(keyStrings(cfg.Admins)), cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyInitialized
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, cfg *Config) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE protocol_config SET admins = $1, updated_at = $2
		WHERE id = 1`,
		pq.Array(keyStrings(cfg.Admins)), cfg.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotInitialized
	}
	return nil
}

func keyStrings(keys []solana.PublicKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
