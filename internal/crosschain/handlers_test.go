package crosschain

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/aetherlock/internal/auth"
	"github.com/mbd888/aetherlock/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validation.RegisterBindings()

	svc, _, _ := newTestService(t)
	h := NewHandler(svc)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)

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
	return r, svc
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

type relayResponse struct {
	Escrow   Record      `json:"escrow"`
	Outbound []*Outbound `json:"outbound"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) relayResponse {
	t.Helper()
	var resp relayResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func callBody(t *testing.T, id common.Hash, action Action) CallRequest {
	return CallRequest{
		SourceChain:      "ethereum",
		DestinationChain: "zetachain",
		EscrowID:         id.Hex(),
		Action:           action,
		Amount:           "2500000",
		Recipient:        newKey(t).String(),
		Counterparty:     newKey(t).String(),
	}
}

func TestHandlers_Lifecycle(t *testing.T) {
	r, _ := setupTestRouter(t)
	gw := newKey(t)
	id := common.Hash{0x01}

	w := do(r, http.MethodPost, "/v1/crosschain/call", gw, callBody(t, id, ActionInitiateEscrow))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, StatusActive, resp.Escrow.Status)
	assert.Equal(t, uint64(2_500_000), resp.Escrow.Amount)
	assert.Empty(t, resp.Outbound)

	w = do(r, http.MethodPost, "/v1/crosschain/escrows/"+id.Hex()+"/verification-request", gw,
		VerificationRequestBody{RequestID: common.Hash{0x02}.Hex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusVerificationPending, decode(t, w).Escrow.Status)

	verified := true
	w = do(r, http.MethodPost, "/v1/crosschain/escrows/"+id.Hex()+"/identity", gw, IdentityRequest{Verified: &verified})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode(t, w).Escrow.ZkMeVerification)

	complete := callBody(t, id, ActionVerificationComplete)
	w = do(r, http.MethodPost, "/v1/crosschain/call", gw, complete)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode(t, w)
	assert.Equal(t, StatusCompleted, resp.Escrow.Status)
	require.Len(t, resp.Outbound, 1)
	assert.Equal(t, ActionReleaseEscrow, resp.Outbound[0].Message.Action)

	w = do(r, http.MethodGet, "/v1/crosschain/escrows/"+id.Hex(), solana.PublicKey{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusCompleted, decode(t, w).Escrow.Status)

	w = do(r, http.MethodGet, "/v1/crosschain/outbox?after=0", solana.PublicKey{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var outbox struct {
		Messages []*Outbound `json:"messages"`
		Count    int         `json:"count"`
		Next     int64       `json:"next"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outbox))
	assert.Equal(t, 1, outbox.Count)
	assert.Equal(t, int64(1), outbox.Next)
	assert.Equal(t, resp.Outbound[0].ID, outbox.Messages[0].ID)
}

func TestHandlers_RevertAndAbort(t *testing.T) {
	r, _ := setupTestRouter(t)
	gw := newKey(t)
	a, b := common.Hash{0x10}, common.Hash{0x11}
	for _, id := range []common.Hash{a, b} {
		w := do(r, http.MethodPost, "/v1/crosschain/call", gw, callBody(t, id, ActionInitiateEscrow))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := do(r, http.MethodPost, "/v1/crosschain/revert", gw, RevertRequest{EscrowID: a.Hex(), Reason: "  out of gas ", TxHash: "0xfeed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, StatusFailed, resp.Escrow.Status)
	assert.Equal(t, "out of gas", resp.Escrow.FailureReason)
	require.Len(t, resp.Outbound, 1)
	assert.Equal(t, KindRefund, resp.Outbound[0].Kind)

	w = do(r, http.MethodPost, "/v1/crosschain/abort", gw, AbortRequest{EscrowID: b.Hex(), Reason: "cancelled", ErrorCode: 42})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode(t, w)
	require.Len(t, resp.Outbound, 1)
	require.NotNil(t, resp.Outbound[0].ErrorCode)
	assert.Equal(t, uint32(42), *resp.Outbound[0].ErrorCode)

	w = do(r, http.MethodGet, "/v1/crosschain/outbox?escrowId="+b.Hex(), solana.PublicKey{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"abort"`)
	assert.NotContains(t, w.Body.String(), `"kind":"refund"`)
}

func TestHandlers_Errors(t *testing.T) {
	r, svc := setupTestRouter(t)
	gw := newKey(t)
	id := common.Hash{0x20}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown escrow", http.MethodGet, "/v1/crosschain/escrows/" + id.Hex(), nil, http.StatusNotFound, "not_found"},
		{"bad id", http.MethodGet, "/v1/crosschain/escrows/xyz", nil, http.StatusBadRequest, "validation_error"},
		{"unsupported action", http.MethodPost, "/v1/crosschain/call", callBody(t, id, ActionRefundEscrow), http.StatusUnprocessableEntity, "unsupported_action"},
		{"long chain", http.MethodPost, "/v1/crosschain/call", func() CallRequest {
			b := callBody(t, id, ActionInitiateEscrow)
			b.SourceChain = strings.Repeat("c", 51)
			return b
		}(), http.StatusBadRequest, "validation_error"},
		{"bad amount", http.MethodPost, "/v1/crosschain/call", func() CallRequest {
			b := callBody(t, id, ActionInitiateEscrow)
			b.Amount = "1.5"
			return b
		}(), http.StatusBadRequest, "validation_error"},
		{"long tx hash", http.MethodPost, "/v1/crosschain/revert", RevertRequest{EscrowID: id.Hex(), TxHash: strings.Repeat("a", 101)}, http.StatusBadRequest, "validation_error"},
		{"revert unknown", http.MethodPost, "/v1/crosschain/revert", RevertRequest{EscrowID: id.Hex()}, http.StatusNotFound, "not_found"},
		{"bad after", http.MethodGet, "/v1/crosschain/outbox?after=-1", nil, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, gw, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error":"`+tt.code+`"`)
		})
	}

	svc.WithGateway(gw)
	w := do(r, http.MethodPost, "/v1/crosschain/call", newKey(t), callBody(t, id, ActionInitiateEscrow))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized_gateway")

	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/v1/crosschain/call", gw, callBody(t, id, ActionInitiateEscrow)).Code)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/v1/crosschain/abort", gw, AbortRequest{EscrowID: id.Hex()}).Code)
	w = do(r, http.MethodPost, "/v1/crosschain/call", gw, callBody(t, id, ActionInitiateEscrow))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state")
}
