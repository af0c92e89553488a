//go:build integration

package escrow

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mbd888/aetherlock/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(t *testing.T, id byte) *Record {
	return &Record{
		ID:           common.Hash{id},
		Buyer:        newKey(t).PublicKey(),
		Seller:       newKey(t).PublicKey(),
		TokenMint:    newKey(t).PublicKey(),
		Amount:       18_446_744_073_709_551_615,
		FeeAmount:    368_934_881_474_191_032,
		FeeRate:      2,
		Status:       StatusCreated,
		Expiry:       2_000,
		MetadataHash: common.Hash{0x4d},
		AIAgent:      newKey(t).PublicKey(),
		CreatedAt:    1_000,
		UpdatedAt:    1_000,
	}
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)

	rec := testRecord(t, 0x01)
	require.NoError(t, store.Create(ctx, rec))
	assert.ErrorIs(t, store.Create(ctx, rec), ErrEscrowExists)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	result := false
	deadline := int64(5_000)
	initiator := rec.Seller
	rec.Status = StatusDisputed
	rec.VerificationResult = &result
	rec.EvidenceHash = &common.Hash{0xee}
	rec.OracleRequestID = &common.Hash{0x0f}
	rec.DisputeRaised = true
	rec.DisputeDeadline = &deadline
	rec.DisputeReasonHash = &common.Hash{0xd1}
	rec.DisputeInitiator = &initiator
	rec.HoldingRef = "escrow/ref"
	rec.UpdatedAt = 1_500
	require.NoError(t, store.Update(ctx, rec))

	got, err = store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = store.Get(ctx, common.Hash{0x99})
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	assert.ErrorIs(t, store.Update(ctx, testRecord(t, 0x98)), ErrEscrowNotFound)
}

func TestPostgresStore_ListByParty(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)

	a := testRecord(t, 0x01)
	b := testRecord(t, 0x02)
	b.Seller = a.Buyer
	b.CreatedAt = 1_100
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	recs, err := store.ListByParty(ctx, a.Buyer, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, b.ID, recs[0].ID)

	recs, err = store.ListByParty(ctx, solana.PublicKey{0x01}, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPostgresStore_ListLapsed(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	const now = 3_000

	expired := testRecord(t, 0x01)
	expired.Status = StatusFunded

	active := testRecord(t, 0x02)
	active.Status = StatusFunded
	active.Expiry = now + 10

	failed := testRecord(t, 0x03)
	failed.Status = StatusVerified
	failed.VerificationResult = new(bool)

	lapsedDispute := testRecord(t, 0x04)
	lapsedDispute.Status = StatusDisputed
	lapsedDispute.DisputeRaised = true
	deadline := int64(now - 1)
	lapsedDispute.DisputeDeadline = &deadline

	refunded := testRecord(t, 0x05)
	refunded.Status = StatusRefunded

	for _, r := range []*Record{expired, active, failed, lapsedDispute, refunded} {
		require.NoError(t, store.Create(ctx, r))
	}

	recs, err := store.ListLapsed(ctx, now, 10)
	require.NoError(t, err)
	ids := map[common.Hash]bool{}
	for _, r := range recs {
		ids[r.ID] = true
		assert.True(t, lapsed(r, now), "store returned %s before its deadline", r.ID.Hex())
	}
	assert.Equal(t, map[common.Hash]bool{expired.ID: true, lapsedDispute.ID: true}, ids)
}

func TestPostgresStore_ListActive(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)

	statuses := []Status{StatusCreated, StatusFunded, StatusPendingVerification, StatusVerified, StatusDisputed, StatusReleased, StatusRefunded}
	for i, st := range statuses {
		r := testRecord(t, byte(i+1))
		r.Status = st
		require.NoError(t, store.Create(ctx, r))
	}

	recs, err := store.ListActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for _, r := range recs {
		assert.True(t, r.HoldsFunds(), "unexpected status %s", r.Status)
	}

	recs, err = store.ListActive(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
