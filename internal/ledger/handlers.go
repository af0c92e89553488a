package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/aetherlock/internal/auth"
	"github.com/mbd888/aetherlock/internal/units"
	"github.com/mbd888/aetherlock/internal/validation"
)

// AdminChecker reports whether an identity may record deposits.
type AdminChecker interface {
	IsAdmin(ctx context.Context, id solana.PublicKey) (bool, error)
}

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	admins AdminChecker
	tokens *units.Tokens
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, admins AdminChecker, tokens *units.Tokens, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, admins: admins, tokens: tokens, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/:owner/:mint", h.GetBalance)
	r.GET("/parties/:identity/ledger", h.GetHistory)
}

// RegisterProtectedRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/deposits", h.RecordDeposit)
}

// GetBalance handles GET /v1/ledger/:owner/:mint
func (h *Handler) GetBalance(c *gin.Context) {
	owner, err1 := validation.ParsePublicKey(c.Param("owner"))
	mint, err2 := validation.ParsePublicKey(c.Param("mint"))
	if err := errors.Join(err1, err2); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), owner, mint)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":     balance,
		"uiAvailable": h.tokens.FromBase(mint, balance.Available),
	})
}

// GetHistory handles GET /v1/parties/:identity/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	owner, err := validation.ParsePublicKey(c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), owner, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// DepositRequest records an on-chain deposit (admin use).
type DepositRequest struct {
	Owner     string `json:"owner" binding:"required,pubkey"`
	Mint      string `json:"mint" binding:"required,pubkey"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required,max=128"`
}

// RecordDeposit handles POST /v1/ledger/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if !validation.BindJSON(c, &req) {
		return
	}

	caller, _ := auth.Caller(c)
	ok, err := h.admins.IsAdmin(c.Request.Context(), caller)
	if err != nil || !ok {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized_admin",
			"message": "Only protocol admins may record deposits",
		})
		return
	}

	owner, _ := validation.ParsePublicKey(req.Owner)
	mint, _ := validation.ParsePublicKey(req.Mint)
	amount, err := h.tokens.ToBase(mint, req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	if err := h.ledger.Deposit(c.Request.Context(), owner, mint, amount, req.Reference); err != nil {
		status := http.StatusInternalServerError
		code := "deposit_failed"
		switch {
		case errors.Is(err, ErrDuplicateDeposit):
			status = http.StatusConflict
			code = "duplicate_deposit"
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "validation_error"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	if h.logger != nil {
		h.logger.Info("deposit recorded",
			"owner", owner.String(), "mint", mint.String(), "amount", amount, "reference", req.Reference, "admin", caller.String())
	}

	balance, _ := h.ledger.GetBalance(c.Request.Context(), owner, mint)
	c.JSON(http.StatusCreated, gin.H{"balance": balance})
}
