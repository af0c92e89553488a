package escrow

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/aetherlock/internal/auth"
	"github.com/mbd888/aetherlock/internal/units"
	"github.com/mbd888/aetherlock/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validation.RegisterBindings()

	f := newFixture(t)
	tokens := units.NewTokens()
	require.NoError(t, tokens.Register(f.mint, 6))

	h := NewHandler(f.svc, tokens)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)

	// X-Test-Caller stands in for the signed-request middleware.
	protected := v1.Group("")
	protected.Use(func(c *gin.Context) {
		if s := c.GetHeader("X-Test-Caller"); s != "" {
			if pk, err := solana.PublicKeyFromBase58(s); err == nil {
				c.Set(auth.ContextKeyCaller, pk)
			}
		}
		c.Next()
	})
	h.RegisterProtectedRoutes(protected)
	return r, f
}

func do(r *gin.Engine, method, path string, caller solana.PublicKey, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if !caller.IsZero() {
		req.Header.Set("X-Test-Caller", caller.String())
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type escrowResponse struct {
	Escrow Record `json:"escrow"`
}

func decodeEscrow(t *testing.T, w *httptest.ResponseRecorder) Record {
	t.Helper()
	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Escrow
}

func createBody(f *fixture, id common.Hash, amount string) CreateRequest {
	return CreateRequest{
		EscrowID:     id.Hex(),
		Seller:       f.seller.String(),
		TokenMint:    f.mint.String(),
		Amount:       amount,
		Expiry:       f.clock.Unix() + 3600,
		MetadataHash: common.Hash{0x4d}.Hex(),
		AIAgent:      f.agent.PublicKey().String(),
	}
}

func TestHandler_FullLifecycle(t *testing.T) {
	r, f := setupTestRouter(t)
	id := common.Hash{0xab}
	path := "/v1/escrows/" + id.Hex()

	w := do(r, "POST", "/v1/escrows", f.buyer, createBody(f, id, "1.5"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decodeEscrow(t, w)
	assert.Equal(t, uint64(1_500_000), rec.Amount)
	assert.Equal(t, uint64(30_000), rec.FeeAmount)
	assert.True(t, rec.Buyer.Equals(f.buyer))
	assert.Equal(t, StatusCreated, rec.Status)

	w = do(r, "GET", path, solana.PublicKey{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"uiAmount":"1.5"`)
	assert.Contains(t, w.Body.String(), `"amount":"1500000"`)

	w = do(r, "POST", path+"/fund", f.seller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "POST", path+"/fund", f.buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusFunded, decodeEscrow(t, w).Status)

	sub := f.submission(t, f.agent, id, true, f.clock.Unix())
	result := true
	w = do(r, "POST", path+"/verification", f.agent.PublicKey(), SubmitRequest{
		Agent:        sub.Agent.String(),
		Result:       &result,
		EvidenceHash: sub.EvidenceHash.Hex(),
		Timestamp:    sub.Timestamp,
		Signature:    "0x" + hex.EncodeToString(sub.Signature),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusVerified, decodeEscrow(t, w).Status)

	w = do(r, "POST", path+"/release", newKey(t).PublicKey(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "outsiders cannot release")

	w = do(r, "POST", path+"/release", f.seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusReleased, decodeEscrow(t, w).Status)
	assert.Equal(t, uint64(1_470_000), f.ledger.balance(f.seller))

	w = do(r, "GET", "/v1/parties/"+f.seller.String()+"/escrows", solana.PublicKey{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_CreateValidation(t *testing.T) {
	r, f := setupTestRouter(t)

	bad := createBody(f, common.Hash{0x01}, "1")
	bad.EscrowID = "0x1234"
	w := do(r, "POST", "/v1/escrows", f.buyer, bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "escrowId")

	w = do(r, "POST", "/v1/escrows", f.buyer, createBody(f, common.Hash{0x02}, "0.0000001"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", "/v1/escrows", f.seller, createBody(f, common.Hash{0x03}, "1"))
	assert.Equal(t, http.StatusBadRequest, w.Code, "seller cannot escrow to itself")

	w = do(r, "POST", "/v1/escrows", f.buyer, createBody(f, common.Hash{0x04}, "1"))
	require.Equal(t, http.StatusCreated, w.Code)
	w = do(r, "POST", "/v1/escrows", f.buyer, createBody(f, common.Hash{0x04}, "1"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "escrow_exists")
}

func TestHandler_ErrorMapping(t *testing.T) {
	r, f := setupTestRouter(t)

	w := do(r, "GET", "/v1/escrows/not-a-hash", solana.PublicKey{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "GET", "/v1/escrows/"+common.Hash{0x77}.Hex(), solana.PublicKey{}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	id := f.funded(t, 1_000)
	path := "/v1/escrows/" + id.Hex()

	w = do(r, "POST", path+"/refund", f.buyer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "refund_not_allowed")

	stale := f.submission(t, f.agent, id, true, f.clock.Unix()-1_000)
	result := true
	w = do(r, "POST", path+"/verification", f.agent.PublicKey(), SubmitRequest{
		Agent:        stale.Agent.String(),
		Result:       &result,
		EvidenceHash: stale.EvidenceHash.Hex(),
		Timestamp:    stale.Timestamp,
		Signature:    base58Sig(stale.Signature),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "timestamp_too_old")

	w = do(r, "POST", path+"/dispute", f.buyer, DisputeRequest{ReasonHash: common.Hash{0xd1}.Hex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "POST", path+"/release", f.buyer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "dispute_active")

	w = do(r, "POST", path+"/resolve", f.buyer, ResolveRequest{Outcome: FavorBuyer})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized_admin")

	w = do(r, "POST", path+"/resolve", f.admin, ResolveRequest{Outcome: "split"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", path+"/resolve", f.admin, ResolveRequest{Outcome: FavorBuyer})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "POST", path+"/refund", f.seller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")

	w = do(r, "POST", path+"/refund", f.buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusRefunded, decodeEscrow(t, w).Status)
}

func TestHandler_RequestVerification(t *testing.T) {
	r, f := setupTestRouter(t)
	id := f.funded(t, 1_000)
	path := "/v1/escrows/" + id.Hex() + "/verification-request"

	w := do(r, "POST", path, f.buyer, VerificationRequest{RequestID: "zz"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rid := common.Hash{0x0f}
	w = do(r, "POST", path, f.buyer, VerificationRequest{RequestID: rid.Hex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decodeEscrow(t, w)
	assert.Equal(t, StatusPendingVerification, rec.Status)
	require.NotNil(t, rec.OracleRequestID)
	assert.Equal(t, rid, *rec.OracleRequestID)
}

func TestHandler_ListLimit(t *testing.T) {
	r, f := setupTestRouter(t)
	for i := 0; i < 3; i++ {
		f.create(t, 10)
	}

	w := do(r, "GET", "/v1/parties/"+f.buyer.String()+"/escrows?limit="+strconv.Itoa(2), solana.PublicKey{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = do(r, "GET", "/v1/parties/bogus/escrows", solana.PublicKey{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func base58Sig(b []byte) string {
	var sig solana.Signature
	copy(sig[:], b)
	return sig.String()
}
