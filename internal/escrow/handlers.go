package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/aetherlock/internal/auth"
	"github.com/mbd888/aetherlock/internal/units"
	"github.com/mbd888/aetherlock/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	tokens  *units.Tokens
}

// NewHandler creates a new escrow handler. tokens converts the decimal
// amounts clients send into base units.
func NewHandler(service *Service, tokens *units.Tokens) *Handler {
	return &Handler{service: service, tokens: tokens}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/parties/:identity/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up signed-request escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/verification-request", h.RequestVerification)
	r.POST("/escrows/:id/verification", h.SubmitVerification)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/dispute", h.RaiseDispute)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
}

// CreateRequest creates an escrow with the caller as buyer. Amount is a
// decimal string in the token's display units.
type CreateRequest struct {
	EscrowID     string `json:"escrowId" binding:"required,hash32"`
	Seller       string `json:"seller" binding:"required,pubkey"`
	TokenMint    string `json:"tokenMint" binding:"required,pubkey"`
	Amount       string `json:"amount" binding:"required"`
	Expiry       int64  `json:"expiry" binding:"required,gt=0"`
	MetadataHash string `json:"metadataHash" binding:"required,hash32"`
	AIAgent      string `json:"aiAgent" binding:"required,pubkey"`
}

// VerificationRequest records an outstanding oracle request.
type VerificationRequest struct {
	RequestID string `json:"requestId" binding:"required,hash32"`
}

// SubmitRequest carries the agent's signed verdict.
type SubmitRequest struct {
	Agent        string `json:"agent" binding:"required,pubkey"`
	Result       *bool  `json:"result" binding:"required"`
	EvidenceHash string `json:"evidenceHash" binding:"required,hash32"`
	Timestamp    int64  `json:"timestamp" binding:"required"`
	Signature    string `json:"signature" binding:"required,sig64"`
	RequestID    string `json:"requestId" binding:"omitempty,hash32"`
}

// DisputeRequest raises a dispute; the reason itself stays off-chain.
type DisputeRequest struct {
	ReasonHash string `json:"reasonHash" binding:"required,hash32"`
}

// ResolveRequest settles a dispute.
type ResolveRequest struct {
	Outcome Outcome `json:"outcome" binding:"required,oneof=favor_buyer favor_seller"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	buyer, _ := auth.Caller(c)
	id, _ := validation.ParseHash(req.EscrowID)
	seller, _ := validation.ParsePublicKey(req.Seller)
	mint, _ := validation.ParsePublicKey(req.TokenMint)
	agent, _ := validation.ParsePublicKey(req.AIAgent)
	metadata, _ := validation.ParseHash(req.MetadataHash)

	amount, err := h.tokens.ToBase(mint, req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	rec, err := h.service.Create(c.Request.Context(), CreateParams{
		ID:           id,
		Buyer:        buyer,
		Seller:       seller,
		TokenMint:    mint,
		Amount:       amount,
		Expiry:       req.Expiry,
		MetadataHash: metadata,
		AIAgent:      agent,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": rec})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	rec, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":   rec,
		"uiAmount": h.tokens.FromBase(rec.TokenMint, rec.Amount),
	})
}

// ListEscrows handles GET /v1/parties/:identity/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	party, err := validation.ParsePublicKey(c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	recs, err := h.service.ListByParty(c.Request.Context(), party, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": recs,
		"count":   len(recs),
	})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	caller, _ := auth.Caller(c)
	h.respond(c)(h.service.Fund(c.Request.Context(), id, caller))
}

// RequestVerification handles POST /v1/escrows/:id/verification-request
func (h *Handler) RequestVerification(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req VerificationRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	caller, _ := auth.Caller(c)
	requestID, _ := validation.ParseHash(req.RequestID)
	h.respond(c)(h.service.RequestVerification(c.Request.Context(), id, caller, requestID))
}

// SubmitVerification handles POST /v1/escrows/:id/verification. The body is
// authenticated by the agent's signature over the canonical payload, not by
// the request signer.
func (h *Handler) SubmitVerification(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req SubmitRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	agent, _ := validation.ParsePublicKey(req.Agent)
	evidence, _ := validation.ParseHash(req.EvidenceHash)
	sig, _ := validation.ParseSignature(req.Signature)
	sub := Submission{
		Agent:        agent,
		Result:       *req.Result,
		EvidenceHash: evidence,
		Timestamp:    req.Timestamp,
		Signature:    sig,
	}
	if req.RequestID != "" {
		rid, _ := validation.ParseHash(req.RequestID)
		sub.RequestID = &rid
	}
	h.respond(c)(h.service.SubmitVerification(c.Request.Context(), id, sub))
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	caller, _ := auth.Caller(c)
	h.respond(c)(h.service.Release(c.Request.Context(), id, caller))
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	caller, _ := auth.Caller(c)
	h.respond(c)(h.service.Refund(c.Request.Context(), id, caller))
}

// RaiseDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req DisputeRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	caller, _ := auth.Caller(c)
	reason, _ := validation.ParseHash(req.ReasonHash)
	h.respond(c)(h.service.RaiseDispute(c.Request.Context(), id, caller, reason))
}

// ResolveDispute handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	caller, _ := auth.Caller(c)
	h.respond(c)(h.service.ResolveDispute(c.Request.Context(), id, caller, req.Outcome))
}

func (h *Handler) respond(c *gin.Context) func(*Record, error) {
	return func(rec *Record, err error) {
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"escrow": rec})
	}
}

func escrowID(c *gin.Context) (common.Hash, bool) {
	id, err := validation.ParseHash(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return common.Hash{}, false
	}
	return id, true
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{ErrEscrowNotFound, http.StatusNotFound, "not_found"},
	{ErrEscrowExists, http.StatusConflict, "escrow_exists"},
	{ErrInvalidState, http.StatusConflict, "invalid_state"},
	{ErrDisputeActive, http.StatusConflict, "dispute_active"},
	{ErrDisputeAlreadyRaised, http.StatusConflict, "dispute_already_raised"},
	{ErrRefundNotAllowed, http.StatusConflict, "refund_not_allowed"},
	{ErrVerificationFailed, http.StatusConflict, "verification_failed"},
	{ErrInvalidOracleRequest, http.StatusConflict, "invalid_oracle_request"},
	{ErrUnauthorizedAdmin, http.StatusForbidden, "unauthorized_admin"},
	{ErrUnauthorizedAgent, http.StatusForbidden, "unauthorized_agent"},
	{ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{ErrInvalidSignature, http.StatusUnprocessableEntity, "invalid_signature"},
	{ErrTimestampTooOld, http.StatusUnprocessableEntity, "timestamp_too_old"},
	{ErrMathOverflow, http.StatusUnprocessableEntity, "math_overflow"},
	{ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
	{ErrInvalidAmount, http.StatusBadRequest, "validation_error"},
	{ErrSameParty, http.StatusBadRequest, "validation_error"},
	{ErrInvalidExpiry, http.StatusBadRequest, "validation_error"},
	{ErrInvalidOutcome, http.StatusBadRequest, "validation_error"},
}

func writeError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			c.JSON(m.status, gin.H{"error": m.code, "message": err.Error()})
			return
		}
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Escrow operation failed",
	})
}
