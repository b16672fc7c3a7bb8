package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guardrail/internal/auth"
	"github.com/mbd888/guardrail/internal/idgen"
)

// MaxSubscriptionsPerTenant caps webhook registrations.
const MaxSubscriptionsPerTenant = 25

// Handler provides HTTP endpoints for webhook management.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewHandler(store Store, dispatcher *Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{store: store, dispatcher: dispatcher, logger: logger}
}

// RegisterAdminRoutes sets up webhook routes. The group must require admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.Create)
	r.GET("/webhooks", h.List)
	r.DELETE("/webhooks/:id", h.Delete)
}

// CreateRequest registers a webhook.
type CreateRequest struct {
	URL    string   `json:"url" binding:"required,max=2048"`
	Events []string `json:"events" binding:"required,min=1,dive,required"`
}

// Create handles POST /v1/webhooks. The secret is returned only here.
func (h *Handler) Create(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "url and at least one event are required"})
		return
	}
	events := slices.Compact(slices.Sorted(slices.Values(req.Events)))
	for _, e := range events {
		if !ValidEventType(e) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown event type: " + e})
			return
		}
	}
	if err := h.dispatcher.EndpointPolicy().Check(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	existing, err := h.store.List(c.Request.Context(), p.TenantID)
	if err != nil {
		h.internalError(c, "list webhooks", err)
		return
	}
	if len(existing) >= MaxSubscriptionsPerTenant {
		c.JSON(http.StatusConflict, gin.H{"error": "limit_exceeded", "message": "webhook subscription limit reached"})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.internalError(c, "generate webhook secret", err)
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		TenantID:  p.TenantID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.internalError(c, "create webhook", err)
		return
	}
	h.logger.Info("webhook subscription created",
		"subscription_id", sub.ID, "tenant_id", sub.TenantID, "events", sub.Events, "by", p.Subject)

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
		"usage": gin.H{
			"header":    HeaderSignature,
			"signature": "sha256=hex(HMAC-SHA256(secret, " + HeaderTimestamp + " + \".\" + body))",
		},
	})
}

// List handles GET /v1/webhooks.
func (h *Handler) List(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	subs, err := h.store.List(c.Request.Context(), p.TenantID)
	if err != nil {
		h.internalError(c, "list webhooks", err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// Delete handles DELETE /v1/webhooks/:id.
func (h *Handler) Delete(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	ctx := c.Request.Context()

	sub, err := h.store.Get(ctx, p.TenantID, c.Param("id"))
	if err == nil {
		err = h.store.Delete(ctx, p.TenantID, sub.ID)
	}
	if errors.Is(err, ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "webhook not found"})
		return
	}
	if err != nil {
		h.internalError(c, "delete webhook", err)
		return
	}
	h.dispatcher.Forget(sub.URL)
	c.Status(http.StatusNoContent)
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
