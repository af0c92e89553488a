package protocol

import (
	"errors"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/aetherlock/internal/auth"
	"github.com/mbd888/aetherlock/internal/validation"
)

// Handler provides HTTP endpoints for the protocol config.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new protocol handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/config", h.GetConfig)
}

// RegisterProtectedRoutes sets up signed-request routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/config", h.InitConfig)
	r.POST("/config/admins", h.AddAdmin)
	r.DELETE("/config/admins/:admin", h.RemoveAdmin)
}

// InitRequest initializes the config; the caller becomes the authority.
type InitRequest struct {
	Admins []string `json:"admins" binding:"max=5,dive,pubkey"`
}

// AddAdminRequest adds one admin.
type AddAdminRequest struct {
	Admin string `json:"admin" binding:"required,pubkey"`
}

// InitConfig handles POST /v1/config
func (h *Handler) InitConfig(c *gin.Context) {
	var req InitRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	caller, _ := auth.Caller(c)

	admins := make([]solana.PublicKey, 0, len(req.Admins))
	for _, a := range req.Admins {
		pk, _ := validation.ParsePublicKey(a)
		admins = append(admins, pk)
	}

	cfg, err := h.registry.Init(c.Request.Context(), caller, admins)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": cfg})
}

// AddAdmin handles POST /v1/config/admins
func (h *Handler) AddAdmin(c *gin.Context) {
	var req AddAdminRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	caller, _ := auth.Caller(c)
	admin, _ := validation.ParsePublicKey(req.Admin)

	cfg, err := h.registry.AddAdmin(c.Request.Context(), caller, admin)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// RemoveAdmin handles DELETE /v1/config/admins/:admin
func (h *Handler) RemoveAdmin(c *gin.Context) {
	admin, err := validation.ParsePublicKey(c.Param("admin"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	caller, _ := auth.Caller(c)

	cfg, err := h.registry.RemoveAdmin(c.Request.Context(), caller, admin)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// GetConfig handles GET /v1/config
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.registry.Get(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotInitialized):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorizedAdmin):
		status = http.StatusForbidden
		code = "unauthorized_admin"
	case errors.Is(err, ErrTooManyAdmins):
		status = http.StatusConflict
		code = "too_many_admins"
	case errors.Is(err, ErrAdminAlreadyExists):
		status = http.StatusConflict
		code = "admin_already_exists"
	case errors.Is(err, ErrAlreadyInitialized):
		status = http.StatusConflict
		code = "already_initialized"
	case errors.Is(err, ErrInvalidIdentity):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
