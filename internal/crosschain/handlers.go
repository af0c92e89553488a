package crosschain

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/aetherlock/internal/auth"
	"github.com/mbd888/aetherlock/internal/validation"
)

// Handler exposes the relay over HTTP. The gateway posts inbound messages;
// the transport polls the outbox.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/crosschain/escrows/:id", h.GetEscrow)
	r.GET("/crosschain/outbox", h.ListOutbox)
}

// RegisterProtectedRoutes sets up signed-request routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/crosschain/call", h.OnCall)
	r.POST("/crosschain/revert", h.OnRevert)
	r.POST("/crosschain/abort", h.OnAbort)
	r.POST("/crosschain/escrows/:id/verification-request", h.RequestVerification)
	r.POST("/crosschain/escrows/:id/identity", h.AttestIdentity)
}

// CallRequest is a relayed Message. Amount is in base units.
type CallRequest struct {
	SourceChain      string `json:"sourceChain" binding:"required,chain"`
	DestinationChain string `json:"destinationChain" binding:"required,chain"`
	EscrowID         string `json:"escrowId" binding:"required,hash32"`
	Action           Action `json:"action" binding:"required"`
	Amount           string `json:"amount" binding:"required,number"`
	Recipient        string `json:"recipient" binding:"required,pubkey"`
	Counterparty     string `json:"counterparty" binding:"omitempty,pubkey"`
}

type RevertRequest struct {
	EscrowID string `json:"escrowId" binding:"required,hash32"`
	Reason   string `json:"reason"`
	TxHash   string `json:"txHash" binding:"max=100"`
}

type AbortRequest struct {
	EscrowID  string `json:"escrowId" binding:"required,hash32"`
	Reason    string `json:"reason"`
	ErrorCode uint32 `json:"errorCode"`
}

type VerificationRequestBody struct {
	RequestID string `json:"requestId" binding:"required,hash32"`
}

type IdentityRequest struct {
	Verified *bool `json:"verified" binding:"required"`
}

// OnCall handles POST /v1/crosschain/call
func (h *Handler) OnCall(c *gin.Context) {
	var req CallRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	amount, err := strconv.ParseUint(req.Amount, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "amount must be a base-unit integer"})
		return
	}
	id, _ := validation.ParseHash(req.EscrowID)
	recipient, _ := validation.ParsePublicKey(req.Recipient)
	msg := Message{
		SourceChain:      req.SourceChain,
		DestinationChain: req.DestinationChain,
		EscrowID:         id,
		Action:           req.Action,
		Amount:           amount,
		Recipient:        recipient,
	}
	if req.Counterparty != "" {
		msg.Counterparty, _ = validation.ParsePublicKey(req.Counterparty)
	}

	caller, _ := auth.Caller(c)
	h.respond(c)(h.service.OnCall(c.Request.Context(), caller, msg))
}

// OnRevert handles POST /v1/crosschain/revert
func (h *Handler) OnRevert(c *gin.Context) {
	var req RevertRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	id, _ := validation.ParseHash(req.EscrowID)
	caller, _ := auth.Caller(c)
	reason := validation.SanitizeString(req.Reason, MaxReasonLen)
	h.respond(c)(h.service.OnRevert(c.Request.Context(), caller, id, reason, req.TxHash))
}

// OnAbort handles POST /v1/crosschain/abort
func (h *Handler) OnAbort(c *gin.Context) {
	var req AbortRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	id, _ := validation.ParseHash(req.EscrowID)
	caller, _ := auth.Caller(c)
	reason := validation.SanitizeString(req.Reason, MaxReasonLen)
	h.respond(c)(h.service.OnAbort(c.Request.Context(), caller, id, reason, req.ErrorCode))
}

// RequestVerification handles POST /v1/crosschain/escrows/:id/verification-request
func (h *Handler) RequestVerification(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req VerificationRequestBody
	if !validation.BindJSON(c, &req) {
		return
	}
	requestID, _ := validation.ParseHash(req.RequestID)
	caller, _ := auth.Caller(c)
	rec, err := h.service.RequestVerification(c.Request.Context(), caller, id, requestID)
	h.respond(c)(rec, nil, err)
}

// AttestIdentity handles POST /v1/crosschain/escrows/:id/identity
func (h *Handler) AttestIdentity(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req IdentityRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	caller, _ := auth.Caller(c)
	rec, err := h.service.AttestIdentity(c.Request.Context(), caller, id, *req.Verified)
	h.respond(c)(rec, nil, err)
}

// GetEscrow handles GET /v1/crosschain/escrows/:id
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
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ListOutbox handles GET /v1/crosschain/outbox?after=&limit=&escrowId=
func (h *Handler) ListOutbox(c *gin.Context) {
	var f OutboxFilter
	if s := c.Query("after"); s != "" {
		after, err := strconv.ParseInt(s, 10, 64)
		if err != nil || after < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "after must be a non-negative integer"})
			return
		}
		f.AfterSeq = after
	}
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if s := c.Query("escrowId"); s != "" {
		id, err := validation.ParseHash(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		f.EscrowID = &id
	}

	msgs, err := h.service.ListOutbox(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	next := f.AfterSeq
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"count":    len(msgs),
		"next":     next,
	})
}

func (h *Handler) respond(c *gin.Context) func(*Record, []*Outbound, error) {
	return func(rec *Record, out []*Outbound, err error) {
		if err != nil {
			writeError(c, err)
			return
		}
		if out == nil {
			out = []*Outbound{}
		}
		c.JSON(http.StatusOK, gin.H{"escrow": rec, "outbound": out})
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

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrUnsupportedAction):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unsupported_action", "message": err.Error()})
	case errors.Is(err, ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrUnauthorizedGateway):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized_gateway", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Cross-chain operation failed"})
	}
}
