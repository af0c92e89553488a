package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/lib/pq"
)

// PostgresLog persists notifications in the notifications table.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates a new PostgreSQL-backed notification log.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (p *PostgresLog) Append(ctx context.Context, n *Notification) error {
	attrs, err := json.Marshal(n.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	parties := make([]string, len(n.Parties))
	for i, pk := range n.Parties {
		parties[i] = pk.String()
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, type, escrow_id, parties, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`,
		n.ID, string(n.Type), n.EscrowID.Bytes(), pq.Array(parties), attrs, n.Timestamp,
	).Scan(&n.Seq)
}

func (p *PostgresLog) List(ctx context.Context, f Filter) ([]*Notification, error) {
	where := []string{"seq > $1"}
	args := []any{f.AfterSeq}
	if f.EscrowID != nil {
		args = append(args, f.EscrowID.Bytes())
		where = append(where, fmt.Sprintf("escrow_id = $%d", len(args)))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		where = append(where, fmt.Sprintf("type = ANY($%d)", len(args)))
	}
	args = append(args, f.Limit)

	// #nosec G202 -- where clauses are fixed strings with positional args
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, id, type, escrow_id, parties, attributes, created_at
		FROM notifications WHERE `+strings.Join(where, " AND ")+
		fmt.Sprintf(" ORDER BY seq ASC LIMIT $%d", len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var (
			n        Notification
			typ      string
			escrowID []byte
			parties  []string
			attrs    []byte
		)
		if err := rows.Scan(&n.Seq, &n.ID, &typ, &escrowID, pq.Array(&parties), &attrs, &n.Timestamp); err != nil {
			return nil, err
		}
		n.Type = Type(typ)
		n.EscrowID = common.BytesToHash(escrowID)
		for _, s := range parties {
			pk, err := solana.PublicKeyFromBase58(s)
			if err != nil {
				return nil, fmt.Errorf("decode party: %w", err)
			}
			n.Parties = append(n.Parties, pk)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &n.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes: %w", err)
			}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

var _ Log = (*PostgresLog)(nil)
