package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guardrail/internal/amount"
	"github.com/mbd888/guardrail/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, tenant string, role auth.Role) (*gin.Engine, *Ledger) {
	t.Helper()
	l, _ := newTestLedger(t, DefaultConfig())
	h := NewHandler(l, testLogger())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		auth.SetPrincipal(c, auth.Principal{TenantID: tenant, Subject: "alice", Role: role})
	})
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("", auth.RequireRole(auth.RoleAdmin)))
	return r, l
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_PutAndGetBudget(t *testing.T) {
	r, _ := setupRouter(t, "acme", auth.RoleAdmin)

	w := do(r, "PUT", "/v1/budgets/checkout/prod", map[string]any{"monthlyLimit": "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "POST", "/v1/budgets/checkout/prod/credits", map[string]any{"amount": "25.5", "reason": "promo"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(r, "GET", "/v1/budgets/checkout/prod", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Account AccountView `json:"account"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acme/checkout/prod", resp.Account.ScopeKey)
	assert.Equal(t, "1000.000000", resp.Account.BudgetHeadroom)
	assert.Equal(t, "25.500000", resp.Account.CreditAvailable)
	assert.Equal(t, "1025.500000", resp.Account.TotalAvailable)
}

func TestHandler_ViewerCannotWrite(t *testing.T) {
	r, _ := setupRouter(t, "acme", auth.RoleViewer)
	w := do(r, "PUT", "/v1/budgets/checkout/prod", map[string]any{"monthlyLimit": "1000"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_RejectsBadInput(t *testing.T) {
	r, _ := setupRouter(t, "acme", auth.RoleAdmin)

	w := do(r, "PUT", "/v1/budgets/checkout/prod", map[string]any{"monthlyLimit": "-5"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "PUT", "/v1/budgets/check%20out/prod", map[string]any{"monthlyLimit": "5"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", "/v1/budgets/checkout/prod/credits", map[string]any{"amount": "0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_OtherTenantScopeIsInvisible(t *testing.T) {
	r, l := setupRouter(t, "globex", auth.RoleAdmin)
	_, err := l.SetBudget(context.Background(), "acme", testScope, amount.MustParse("100"), true)
	require.NoError(t, err)

	// globex's checkout/prod is a different scope key entirely.
	w := do(r, "GET", "/v1/budgets/checkout/prod", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, "GET", "/v1/budgets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestHandler_DeactivateCredit(t *testing.T) {
	r, l := setupRouter(t, "acme", auth.RoleAdmin)
	c := grant(t, l, "10", nil)

	w := do(r, "POST", "/v1/budgets/checkout/prod/credits/"+c.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, account(t, l).Credits[0].Active)

	w = do(r, "POST", "/v1/budgets/checkout/prod/credits/cr_nope/deactivate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_History(t *testing.T) {
	r, l := setupRouter(t, "acme", auth.RoleViewer)
	withBudget(t, l, "10")

	w := do(r, "GET", "/v1/budgets/checkout/prod/entries?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"budget_set"`)
}
