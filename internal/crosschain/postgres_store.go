package crosschain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

// PostgresStore persists universal escrows in universal_escrows and the
// outbox in crosschain_outbox.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, source_chain, destination_chain, buyer, seller, amount::TEXT, status,
		       verification_result, zkme_verification, cross_chain_tx_hash, oracle_request_id,
		       failure_reason, nonce, created_at, updated_at`

const outboxColumns = `seq, id, kind, escrow_id, source_chain, destination_chain, action,
		       amount::TEXT, recipient, reason, error_code, created_at`

func (p *PostgresStore) Get(ctx context.Context, id common.Hash) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM universal_escrows WHERE id = $1`, id.Bytes())
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return r, err
}

// Save upserts the record and appends outbound in one transaction.
func (p *PostgresStore) Save(ctx context.Context, r *Record, outbound []*Outbound) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result sql.NullBool
	if r.VerificationResult != nil {
		result = sql.NullBool{Bool: *r.VerificationResult, Valid: true}
	}
	var txHash sql.NullString
	if r.CrossChainTxHash != nil {
		txHash = sql.NullString{String: *r.CrossChainTxHash, Valid: true}
	}
	var requestID []byte
	if r.OracleRequestID != nil {
		requestID = r.OracleRequestID.Bytes()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO universal_escrows (
			id, source_chain, destination_chain, buyer, seller, amount, status,
			verification_result, zkme_verification, cross_chain_tx_hash, oracle_request_id,
			failure_reason, nonce, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,0), $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			source_chain = EXCLUDED.source_chain,
			destination_chain = EXCLUDED.destination_chain,
			buyer = EXCLUDED.buyer,
			seller = EXCLUDED.seller,
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			verification_result = EXCLUDED.verification_result,
			zkme_verification = EXCLUDED.zkme_verification,
			cross_chain_tx_hash = EXCLUDED.cross_chain_tx_hash,
			oracle_request_id = EXCLUDED.oracle_request_id,
			failure_reason = EXCLUDED.failure_reason,
			nonce = EXCLUDED.nonce,
			updated_at = EXCLUDED.updated_at`,
		r.ID.Bytes(), r.SourceChain, r.DestinationChain, r.Buyer.String(), r.Seller.String(),
		strconv.FormatUint(r.Amount, 10), string(r.Status),
		result, r.ZkMeVerification, txHash, requestID,
		r.FailureReason, int64(r.Nonce), r.CreatedAt, r.UpdatedAt, //nolint:gosec // nonce stays far below 2^63
	)
	if err != nil {
		return fmt.Errorf("save universal escrow: %w", err)
	}

	for _, out := range outbound {
		var code sql.NullInt64
		if out.ErrorCode != nil {
			code = sql.NullInt64{Int64: int64(*out.ErrorCode), Valid: true}
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO crosschain_outbox (
				id, kind, escrow_id, source_chain, destination_chain, action,
				amount, recipient, reason, error_code, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,0), $8, $9, $10, $11)
			RETURNING seq`,
			out.ID.Bytes(), string(out.Kind), out.Message.EscrowID.Bytes(),
			out.Message.SourceChain, out.Message.DestinationChain, string(out.Message.Action),
			strconv.FormatUint(out.Message.Amount, 10), out.Message.Recipient.String(),
			out.Reason, code, out.CreatedAt,
		).Scan(&out.Seq)
		if err != nil {
			return fmt.Errorf("append outbox: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ListOutbox(ctx context.Context, f OutboxFilter) ([]*Outbound, error) {
	query := `SELECT ` + outboxColumns + ` FROM crosschain_outbox WHERE seq > $1`
	args := []interface{}{f.AfterSeq}
	if f.EscrowID != nil {
		args = append(args, f.EscrowID.Bytes())
		query += ` AND escrow_id = $2`
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Outbound
	for rows.Next() {
		var (
			out                      Outbound
			id, escrowID             []byte
			kind, action, amount, to string
			code                     sql.NullInt64
		)
		if err := rows.Scan(&out.Seq, &id, &kind, &escrowID, &out.Message.SourceChain,
			&out.Message.DestinationChain, &action, &amount, &to, &out.Reason, &code, &out.CreatedAt); err != nil {
			return nil, err
		}
		out.ID = common.BytesToHash(id)
		out.Kind = Kind(kind)
		out.Message.EscrowID = common.BytesToHash(escrowID)
		out.Message.Action = Action(action)
		if out.Message.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("decode amount: %w", err)
		}
		if out.Message.Recipient, err = solana.PublicKeyFromBase58(to); err != nil {
			return nil, fmt.Errorf("decode recipient: %w", err)
		}
		if code.Valid {
			c := uint32(code.Int64) //nolint:gosec // written from a uint32
			out.ErrorCode = &c
		}
		result = append(result, &out)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r              Record
		id, requestID  []byte
		buyer, seller  string
		amount, status string
		result         sql.NullBool
		txHash         sql.NullString
		nonce          int64
	)
	err := row.Scan(
		&id, &r.SourceChain, &r.DestinationChain, &buyer, &seller, &amount, &status,
		&result, &r.ZkMeVerification, &txHash, &requestID,
		&r.FailureReason, &nonce, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ID = common.BytesToHash(id)
	r.Status = Status(status)
	r.Nonce = uint64(nonce) //nolint:gosec // never negative
	if r.Buyer, err = solana.PublicKeyFromBase58(buyer); err != nil {
		return nil, fmt.Errorf("decode buyer: %w", err)
	}
	if r.Seller, err = solana.PublicKeyFromBase58(seller); err != nil {
		return nil, fmt.Errorf("decode seller: %w", err)
	}
	if r.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	if result.Valid {
		v := result.Bool
		r.VerificationResult = &v
	}
	if txHash.Valid {
		h := txHash.String
		r.CrossChainTxHash = &h
	}
	if requestID != nil {
		h := common.BytesToHash(requestID)
		r.OracleRequestID = &h
	}
	return &r, nil
}

var _ Store = (*PostgresStore)(nil)
