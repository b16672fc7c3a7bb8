package gate

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guardrail/internal/auth"
	"github.com/mbd888/guardrail/internal/ledger"
	"github.com/mbd888/guardrail/internal/reservation"
)

// Handler provides the admission endpoints.
type Handler struct {
	gate   *Gate
	logger *slog.Logger
}

// NewHandler creates a new gate handler.
func NewHandler(g *Gate, logger *slog.Logger) *Handler {
	return &Handler{gate: g, logger: logger}
}

// RegisterRoutes sets up evaluate and reserve. The group must already
// restrict callers to admission pipelines and operators.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/evaluate", h.Evaluate)
	r.POST("/reservations", h.Reserve)
}

// Evaluate handles POST /v1/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)

	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": bindMessage(err)})
		return
	}
	d, err := h.gate.Evaluate(c.Request.Context(), p, req)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// Reserve handles POST /v1/reservations
func (h *Handler) Reserve(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)

	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": bindMessage(err)})
		return
	}
	r, d, err := h.gate.Reserve(c.Request.Context(), p, req)
	if err != nil {
		h.writeError(c, err, d)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reservation": r, "decision": d})
}

func bindMessage(err error) string {
	if errors.Is(err, errDeltaRequired) {
		return errDeltaRequired.Error()
	}
	return "invalid request body: " + err.Error()
}

func (h *Handler) writeError(c *gin.Context, err error, d *Decision) {
	switch {
	case errors.Is(err, ErrPolicyViolation):
		c.JSON(http.StatusForbidden, gin.H{"error": "policy_violation", "message": d.Summary(), "decision": d})
	case errors.Is(err, ErrApprovalRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": "approval_required",
			"message": "escalated changes must be reserved by an approver", "decision": d})
	case errors.Is(err, ErrTenantMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, reservation.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, reservation.ErrDuplicateDecision):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_decision", "message": "a reservation already exists for this decision"})
	case errors.Is(err, ledger.ErrInsufficientBudget):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_budget", "message": err.Error(), "decision": d})
	default:
		h.logger.Error("gate request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "change could not be evaluated; treat as not permitted"})
	}
}
