package reservation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/guardrail/internal/amount"
	"github.com/mbd888/guardrail/internal/auth"
	"github.com/mbd888/guardrail/internal/pagination"
	"github.com/mbd888/guardrail/internal/validation"
)

// Handler provides HTTP endpoints for reservations.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler creates a new reservation handler.
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// RegisterRoutes sets up read-only reservation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reservations", h.List)
	r.GET("/reservations/:decision_id", h.Get)
}

// RegisterOperatorRoutes sets up reconciliation routes. The group must
// already require the operator role.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/reservations/:decision_id/reconcile", h.Reconcile)
	r.POST("/reservations/:decision_id/reconcile-matched", h.ReconcileAsMatched)
}

// RegisterIngestRoutes sets up the cost-signal route for the cost
// collector.
func (h *Handler) RegisterIngestRoutes(r *gin.RouterGroup) {
	r.POST("/cost-signals", h.IngestCostSignal)
}

// List handles GET /v1/reservations?state=&project=&environment=&limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)

	state := State(c.DefaultQuery("state", string(StateActive)))
	if c.Query("state") == "all" {
		state = ""
	} else if !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown state"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	f := Filter{
		TenantID:    p.TenantID,
		ProjectID:   c.Query("project"),
		Environment: c.Query("environment"),
		State:       state,
		Limit:       limit,
	}
	filter := pagination.Filter("reservations", f.TenantID, string(f.State), f.ProjectID, f.Environment)
	cursor, err := pagination.Decode(c.Query("cursor"), filter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	f.Cursor = cursor

	rows, err := h.manager.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	page, next, more := pagination.Page(rows, limit, filter, func(r *Reservation) (time.Time, string) {
		return r.CreatedAt, r.DecisionID
	})
	if page == nil {
		page = []*Reservation{}
	}
	c.JSON(http.StatusOK, gin.H{"reservations": page, "count": len(page), "nextCursor": next, "hasMore": more})
}

// Get handles GET /v1/reservations/:decision_id
func (h *Handler) Get(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	r, err := h.manager.Get(c.Request.Context(), p.TenantID, c.Param("decision_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}

// ReconcileRequest reports the actual cost of a change. A null or absent
// actualDeltaAmount means the actual is unknown.
type ReconcileRequest struct {
	ActualDeltaAmount json.RawMessage `json:"actualDeltaAmount"`
	Notes             string          `json:"notes"`
}

// Reconcile handles POST /v1/reservations/:decision_id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)

	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid request body"})
		return
	}
	actual, err := amount.SignedFromJSON(req.ActualDeltaAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "actualDeltaAmount must be a decimal or null"})
		return
	}
	if errs := validation.Validate(validation.MaxLength("notes", req.Notes, 1000)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error(), "details": errs})
		return
	}

	e, err := h.manager.Reconcile(c.Request.Context(), p.TenantID, c.Param("decision_id"), actual,
		validation.SanitizeString(req.Notes, 1000), p.Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exception": e})
}

// ReconcileAsMatched handles POST /v1/reservations/:decision_id/reconcile-matched
func (h *Handler) ReconcileAsMatched(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	e, err := h.manager.ReconcileAsMatched(c.Request.Context(), p.TenantID, c.Param("decision_id"), p.Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("reservation reconciled as matched", "decision_id", e.DecisionID, "by", p.Subject)
	c.JSON(http.StatusOK, gin.H{"exception": e})
}

// CostSignalRequest is an actual cost observed for a decision.
type CostSignalRequest struct {
	DecisionID        string          `json:"decisionId" binding:"required"`
	ActualDeltaAmount json.RawMessage `json:"actualDeltaAmount" binding:"required"`
}

// IngestCostSignal handles POST /v1/cost-signals
func (h *Handler) IngestCostSignal(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)

	var req CostSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "decisionId and actualDeltaAmount are required"})
		return
	}
	actual, err := amount.SignedFromJSON(req.ActualDeltaAmount)
	if err != nil || actual == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "actualDeltaAmount must be a decimal"})
		return
	}

	e, err := h.manager.IngestCostSignal(c.Request.Context(), p.TenantID, req.DecisionID, actual)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if e.Status == "pending" {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"exception": e})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrReservationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "reservation not found"})
	case errors.Is(err, ErrAlreadyReconciled):
		c.JSON(http.StatusConflict, gin.H{"error": "already_reconciled", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		h.logger.Error("reservation request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "reservation operation failed"})
	}
}
