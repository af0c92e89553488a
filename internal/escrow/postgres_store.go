package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/lib/pq"
)

// PostgresStore persists escrow data in PostgreSQL. Ids and hashes are
// BYTEA, identities base58 TEXT, amounts NUMERIC(20,0).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, buyer, seller, token_mint, amount::TEXT, fee_amount::TEXT, fee_rate,
		       status, expiry, metadata_hash, ai_agent,
		       verification_result, evidence_hash, oracle_request_id,
		       dispute_raised, dispute_deadline, dispute_reason_hash, dispute_initiator,
		       holding_ref, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer, seller, token_mint, amount, fee_amount, fee_rate,
			status, expiry, metadata_hash, ai_agent,
			verification_result, evidence_hash, oracle_request_id,
			dispute_raised, dispute_deadline, dispute_reason_hash, dispute_initiator,
			holding_ref, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,0), $6::NUMERIC(20,0), $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21
		)`,
		r.ID.Bytes(), r.Buyer.String(), r.Seller.String(), r.TokenMint.String(),
		strconv.FormatUint(r.Amount, 10), strconv.FormatUint(r.FeeAmount, 10), r.FeeRate,
		string(r.Status), r.Expiry, r.MetadataHash.Bytes(), r.AIAgent.String(),
		nullBool(r.VerificationResult), hashBytes(r.EvidenceHash), hashBytes(r.OracleRequestID),
		r.DisputeRaised, nullInt(r.DisputeDeadline), hashBytes(r.DisputeReasonHash), nullKey(r.DisputeInitiator),
		r.HoldingRef, r.CreatedAt, r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrEscrowExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id common.Hash) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id.Bytes())

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return r, err
}

// Update writes the mutable columns. Parties, amounts and fee are fixed at
// creation and never rewritten.
func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, verification_result = $2, evidence_hash = $3, oracle_request_id = $4,
			dispute_raised = $5, dispute_deadline = $6, dispute_reason_hash = $7, dispute_initiator = $8,
			holding_ref = $9, updated_at = $10
		WHERE id = $11`,
		string(r.Status), nullBool(r.VerificationResult), hashBytes(r.EvidenceHash), hashBytes(r.OracleRequestID),
		r.DisputeRaised, nullInt(r.DisputeDeadline), hashBytes(r.DisputeReasonHash), nullKey(r.DisputeInitiator),
		r.HoldingRef, r.UpdatedAt,
		r.ID.Bytes(),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, party solana.PublicKey, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer = $1 OR seller = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, party.String(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// ListLapsed mirrors lapsed(): expired funded or pending escrows and
// disputes past their deadline.
func (p *PostgresStore) ListLapsed(ctx context.Context, now int64, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status NOT IN ('released', 'refunded')
		  AND (
		        (status IN ('funded', 'pending_verification') AND expiry < $1)
		     OR (dispute_raised AND dispute_deadline < $1)
		  )
		ORDER BY updated_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status IN ('funded', 'pending_verification', 'verified', 'disputed')
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                               Record
		id, metadata                    []byte
		buyer, seller, mint, agent      string
		amount, fee, status             string
		result                          sql.NullBool
		evidence, requestID, reasonHash []byte
		deadline                        sql.NullInt64
		initiator                       sql.NullString
	)
	err := row.Scan(
		&id, &buyer, &seller, &mint, &amount, &fee, &r.FeeRate,
		&status, &r.Expiry, &metadata, &agent,
		&result, &evidence, &requestID,
		&r.DisputeRaised, &deadline, &reasonHash, &initiator,
		&r.HoldingRef, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ID = common.BytesToHash(id)
	r.MetadataHash = common.BytesToHash(metadata)
	r.Status = Status(status)
	for _, k := range []struct {
		dst *solana.PublicKey
		src string
	}{{&r.Buyer, buyer}, {&r.Seller, seller}, {&r.TokenMint, mint}, {&r.AIAgent, agent}} {
		if *k.dst, err = solana.PublicKeyFromBase58(k.src); err != nil {
			return nil, fmt.Errorf("decode identity %q: %w", k.src, err)
		}
	}
	if r.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	if r.FeeAmount, err = strconv.ParseUint(fee, 10, 64); err != nil {
		return nil, fmt.Errorf("decode fee: %w", err)
	}

	if result.Valid {
		v := result.Bool
		r.VerificationResult = &v
	}
	r.EvidenceHash = bytesHash(evidence)
	r.OracleRequestID = bytesHash(requestID)
	r.DisputeReasonHash = bytesHash(reasonHash)
	if deadline.Valid {
		d := deadline.Int64
		r.DisputeDeadline = &d
	}
	if initiator.Valid {
		pk, err := solana.PublicKeyFromBase58(initiator.String)
		if err != nil {
			return nil, fmt.Errorf("decode dispute initiator: %w", err)
		}
		r.DisputeInitiator = &pk
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullKey(pk *solana.PublicKey) sql.NullString {
	if pk == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: pk.String(), Valid: true}
}

func hashBytes(h *common.Hash) []byte {
	if h == nil {
		return nil
	}
	return h.Bytes()
}

func bytesHash(b []byte) *common.Hash {
	if b == nil {
		return nil
	}
	h := common.BytesToHash(b)
	return &h
}

var _ Store = (*PostgresStore)(nil)
