package events

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/aetherlock/internal/validation"
)

// Handler serves the notification log.
type Handler struct {
	bus *Bus
}

// NewHandler creates a new notification handler.
func NewHandler(bus *Bus) *Handler {
	return &Handler{bus: bus}
}

// RegisterRoutes sets up public notification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
}

// List handles GET /v1/notifications?escrowId=&type=&after=&limit=
func (h *Handler) List(c *gin.Context) {
	var f Filter
	if s := c.Query("escrowId"); s != "" {
		id, err := validation.ParseHash(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		f.EscrowID = &id
	}
	if s := c.Query("type"); s != "" {
		for _, t := range strings.Split(s, ",") {
			f.Types = append(f.Types, Type(strings.TrimSpace(t)))
		}
	}
	if s := c.Query("after"); s != "" {
		after, err := strconv.ParseInt(s, 10, 64)
		if err != nil || after < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "after must be a non-negative sequence number"})
			return
		}
		f.AfterSeq = after
	}
	if l, err := strconv.Atoi(c.Query("limit")); err == nil {
		f.Limit = l
	}

	items, err := h.bus.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list notifications"})
		return
	}

	resp := gin.H{"notifications": items, "count": len(items)}
	if len(items) > 0 {
		resp["next"] = items[len(items)-1].Seq
	}
	c.JSON(http.StatusOK, resp)
}
