package policy

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/guardrail/internal/auth"
)

// Handler provides HTTP endpoints for the caller's tenant policy.
type Handler struct {
	cache  *Cache
	logger *slog.Logger
}

// NewHandler creates a new policy handler.
func NewHandler(cache *Cache, logger *slog.Logger) *Handler {
	return &Handler{cache: cache, logger: logger}
}

// RegisterRoutes sets up read-only policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policy", h.Get)
	r.POST("/policy/validate", h.Validate)
	r.POST("/policy/preview", h.Preview)
}

// RegisterAdminRoutes sets up policy write routes. The group must already
// require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/policy", h.Put)
	r.DELETE("/policy", h.Reset)
}

// Get handles GET /v1/policy, returning the effective policy.
func (h *Handler) Get(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	compiled, err := h.cache.Get(c.Request.Context(), p.TenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load policy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": compiled.Policy()})
}

// Put handles PUT /v1/policy.
func (h *Handler) Put(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)

	var req Policy
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid policy document"})
		return
	}
	req.TenantID = p.TenantID
	req.UpdatedBy = p.Subject

	if _, err := h.cache.Save(c.Request.Context(), &req); err != nil {
		if errors.Is(err, ErrInvalidPolicy) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save policy"})
		return
	}

	h.logger.Info("policy updated", "tenant", req.TenantID, "version", req.Version, "by", req.UpdatedBy)
	c.JSON(http.StatusOK, gin.H{"policy": req})
}

// Reset handles DELETE /v1/policy, reverting to the default policy.
func (h *Handler) Reset(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	if err := h.cache.Reset(c.Request.Context(), p.TenantID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to reset policy"})
		return
	}
	h.logger.Info("policy reset to default", "tenant", p.TenantID, "by", p.Subject)
	c.JSON(http.StatusOK, gin.H{"policy": DefaultPolicy(p.TenantID)})
}

// Validate handles POST /v1/policy/validate. Nothing is stored.
func (h *Handler) Validate(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)

	var req Policy
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid policy document"})
		return
	}
	req.TenantID = p.TenantID
	if _, err := Compile(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// Preview handles POST /v1/policy/preview: evaluate a change request
// against a candidate policy without storing it.
func (h *Handler) Preview(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)

	var req struct {
		Policy  Policy        `json:"policy"`
		Request ChangeRequest `json:"request"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "policy and request required"})
		return
	}
	req.Policy.TenantID = p.TenantID
	compiled, err := Compile(&req.Policy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": Evaluate(compiled, req.Request)})
}
