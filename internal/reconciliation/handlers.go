package reconciliation

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guardrail/internal/auth"
	"github.com/mbd888/guardrail/internal/pagination"
)

// Handler serves drift exceptions.
type Handler struct {
	store  Store
	logger *slog.Logger
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/drift-exceptions", h.List)
	r.GET("/drift-exceptions/:decision_id", h.Get)
}

// List handles GET /v1/drift-exceptions?status=overage,shortage&limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var statuses []Status
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := Status(strings.TrimSpace(s))
			if !st.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown status " + string(st)})
				return
			}
			statuses = append(statuses, st)
		}
	}

	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	slices.Sort(names)
	filter := pagination.Filter("drift-exceptions", append([]string{p.TenantID}, names...)...)
	cursor, err := pagination.Decode(c.Query("cursor"), filter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	rows, err := h.store.List(c.Request.Context(), Filter{TenantID: p.TenantID, Statuses: statuses, Limit: limit, Cursor: cursor})
	if err != nil {
		h.logger.Error("failed to list drift exceptions", "tenant", p.TenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list drift exceptions"})
		return
	}
	page, next, more := pagination.Page(rows, limit, filter, func(e *Exception) (time.Time, string) {
		return e.CreatedAt, e.DecisionID
	})
	if page == nil {
		page = []*Exception{}
	}
	c.JSON(http.StatusOK, gin.H{"exceptions": page, "count": len(page), "nextCursor": next, "hasMore": more})
}

// Get handles GET /v1/drift-exceptions/:decision_id
func (h *Handler) Get(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	e, err := h.store.Get(c.Request.Context(), c.Param("decision_id"))
	if errors.Is(err, ErrExceptionNotFound) || (err == nil && e.TenantID != p.TenantID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "drift exception not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to get drift exception", "decision_id", c.Param("decision_id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load drift exception"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exception": e})
}
