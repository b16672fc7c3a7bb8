package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/guardrail/internal/amount"
	"github.com/mbd888/guardrail/internal/auth"
	"github.com/mbd888/guardrail/internal/validation"
)

// Handler provides HTTP endpoints for budgets and credits.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up read-only ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/budgets", h.ListBudgets)
	r.GET("/budgets/:project/:environment", h.GetBudget)
	r.GET("/budgets/:project/:environment/entries", h.GetHistory)
}

// RegisterAdminRoutes sets up budget and credit writes. The group must
// already require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/budgets/:project/:environment", h.PutBudget)
	r.POST("/budgets/:project/:environment/credits", h.GrantCredit)
	r.POST("/budgets/:project/:environment/credits/:creditId/deactivate", h.DeactivateCredit)
}

// AccountView is an account plus its computed availability.
type AccountView struct {
	*Account
	BudgetHeadroom  string `json:"budgetHeadroom"`
	CreditAvailable string `json:"creditAvailable"`
	TotalAvailable  string `json:"totalAvailable"`
}

func (h *Handler) view(acct *Account) AccountView {
	budget, credit := h.ledger.Available(acct)
	return AccountView{
		Account:         acct,
		BudgetHeadroom:  amount.Format(budget),
		CreditAvailable: amount.Format(credit),
		TotalAvailable:  amount.Format(amount.Sum(budget, credit)),
	}
}

// scope resolves the request's scope key, writing a 400 on bad segments.
func (h *Handler) scope(c *gin.Context) (auth.Principal, string, bool) {
	p, _ := auth.PrincipalFrom(c)
	project, env := c.Param("project"), c.Param("environment")
	if errs := validation.Validate(
		validation.ScopeSegment("project", project),
		validation.ScopeSegment("environment", env),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return p, "", false
	}
	return p, ScopeKey(p.TenantID, project, env), true
}

// ListBudgets handles GET /v1/budgets
func (h *Handler) ListBudgets(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	accounts, err := h.ledger.ListAccounts(c.Request.Context(), p.TenantID)
	if err != nil {
		h.logger.Error("failed to list accounts", "tenant", p.TenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list budgets"})
		return
	}
	views := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, h.view(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views, "count": len(views)})
}

// GetBudget handles GET /v1/budgets/:project/:environment
func (h *Handler) GetBudget(c *gin.Context) {
	p, scope, ok := h.scope(c)
	if !ok {
		return
	}
	acct, err := h.ledger.GetAccount(c.Request.Context(), p.TenantID, scope)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": h.view(acct)})
}

// GetHistory handles GET /v1/budgets/:project/:environment/entries
func (h *Handler) GetHistory(c *gin.Context) {
	p, scope, ok := h.scope(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.ledger.History(c.Request.Context(), p.TenantID, scope, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// PutBudgetRequest sets a scope's monthly budget.
type PutBudgetRequest struct {
	MonthlyLimit string `json:"monthlyLimit" binding:"required"`
	Active       *bool  `json:"active"`
}

// PutBudget handles PUT /v1/budgets/:project/:environment
func (h *Handler) PutBudget(c *gin.Context) {
	p, scope, ok := h.scope(c)
	if !ok {
		return
	}
	var req PutBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "monthlyLimit is required"})
		return
	}
	limit, valid := amount.Parse(req.MonthlyLimit)
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "monthlyLimit must be a non-negative decimal"})
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	acct, err := h.ledger.SetBudget(c.Request.Context(), p.TenantID, scope, limit, active)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("budget set", "scope", scope, "limit", amount.Format(limit), "active", active, "by", p.Subject)
	c.JSON(http.StatusOK, gin.H{"account": h.view(acct)})
}

// GrantCreditRequest adds a credit to a scope.
type GrantCreditRequest struct {
	Amount    string     `json:"amount" binding:"required"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Reason    string     `json:"reason"`
}

// GrantCredit handles POST /v1/budgets/:project/:environment/credits
func (h *Handler) GrantCredit(c *gin.Context) {
	p, scope, ok := h.scope(c)
	if !ok {
		return
	}
	var req GrantCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("reason", req.Reason, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "expiresAt must be in the future"})
		return
	}

	total, _ := amount.Parse(req.Amount)
	credit, err := h.ledger.GrantCredit(c.Request.Context(), p.TenantID, scope, total,
		req.ExpiresAt, validation.SanitizeString(req.Reason, 500))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("credit granted", "scope", scope, "credit", credit.ID, "amount", credit.TotalAmount, "by", p.Subject)
	c.JSON(http.StatusCreated, gin.H{"credit": credit})
}

// DeactivateCredit handles POST /v1/budgets/:project/:environment/credits/:creditId/deactivate
func (h *Handler) DeactivateCredit(c *gin.Context) {
	p, scope, ok := h.scope(c)
	if !ok {
		return
	}
	credit, err := h.ledger.DeactivateCredit(c.Request.Context(), p.TenantID, scope, c.Param("creditId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("credit deactivated", "scope", scope, "credit", credit.ID, "by", p.Subject)
	c.JSON(http.StatusOK, gin.H{"credit": credit})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrScopeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "scope not found"})
	case errors.Is(err, ErrCreditNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "credit not found"})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidScope):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrLedgerConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "concurrent update, retry"})
	default:
		h.logger.Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "ledger operation failed"})
	}
}
