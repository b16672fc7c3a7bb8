package sweep

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guardrail/internal/auth"
)

// Handler exposes the on-demand sweep.
type Handler struct {
	sweeper *Sweeper
	logger  *slog.Logger
}

func NewHandler(sweeper *Sweeper, logger *slog.Logger) *Handler {
	return &Handler{sweeper: sweeper, logger: logger}
}

// RegisterOperatorRoutes sets up the sweep route. The group must already
// require the operator role.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/sweep", h.Sweep)
}

type sweepRequest struct {
	Limit int `json:"limit"`
}

// Sweep handles POST /v1/sweep, sweeping the caller's tenant only.
func (h *Handler) Sweep(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)

	var req sweepRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid request body"})
			return
		}
	}
	if req.Limit < 0 || req.Limit > MaxLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be between 1 and 1000"})
		return
	}

	res, err := h.sweeper.SweepOverdue(c.Request.Context(), Options{Limit: req.Limit, TenantID: p.TenantID})
	if err != nil {
		h.logger.Error("operator sweep failed", "tenant_id", p.TenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "sweep failed"})
		return
	}
	h.logger.Info("operator sweep", "tenant_id", p.TenantID, "by", p.Subject, "released", res.ReleasedCount)
	c.JSON(http.StatusOK, gin.H{"result": res})
}
