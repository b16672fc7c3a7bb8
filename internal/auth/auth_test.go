package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestVerifier_IssueAndVerify(t *testing.T) {
	v := NewVerifier("test-secret", "guardrail")
	tok, err := v.Issue(Principal{TenantID: "acme", Subject: "alice", Role: RoleOperator}, time.Hour)
	require.NoError(t, err)

	p, err := v.Verify("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, Principal{TenantID: "acme", Subject: "alice", Role: RoleOperator}, p)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("test-secret", "guardrail")

	other := NewVerifier("other-secret", "guardrail")
	forged, _ := other.Issue(Principal{TenantID: "acme", Role: RoleAdmin}, time.Hour)
	_, err := v.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, _ := v.Issue(Principal{TenantID: "acme", Role: RoleAdmin}, -time.Minute)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, _ := NewVerifier("test-secret", "someone-else").Issue(Principal{TenantID: "acme", Role: RoleAdmin}, time.Hour)
	_, err = v.Verify(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noTenant, _ := v.Issue(Principal{Role: RoleAdmin}, time.Hour)
	_, err = v.Verify(noTenant)
	assert.ErrorIs(t, err, ErrInvalidToken)

	badRole, _ := v.Issue(Principal{TenantID: "acme", Role: "root"}, time.Hour)
	_, err = v.Verify(badRole)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsNoneAlgorithm(t *testing.T) {
	v := NewVerifier("test-secret", "")
	claims := Claims{TenantID: "acme", Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_NoSecret(t *testing.T) {
	v := NewVerifier("", "")
	_, err := v.Issue(Principal{TenantID: "acme", Role: RoleAdmin}, time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = v.Verify("abc")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestPrincipal_Has(t *testing.T) {
	admin := Principal{Role: RoleAdmin}
	viewer := Principal{Role: RoleViewer}
	service := Principal{Role: RoleService}

	assert.True(t, admin.Has(RoleApprover))
	assert.True(t, admin.Has(RoleViewer))
	assert.False(t, admin.Has(RoleService))
	assert.False(t, viewer.Has(RoleOperator))
	assert.True(t, service.Has(RoleService))
	assert.False(t, service.Has(RoleViewer))
	assert.True(t, service.HasAny(RoleOperator, RoleService))
}

func TestMiddleware_SetsPrincipal(t *testing.T) {
	v := NewVerifier("test-secret", "")
	tok, _ := v.Issue(Principal{TenantID: "acme", Subject: "bob", Role: RoleViewer}, time.Hour)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+tok)

	Middleware(v)(c)

	p, ok := PrincipalFrom(c)
	require.True(t, ok)
	assert.Equal(t, "acme", p.TenantID)
}

func TestMiddleware_InvalidTokenPassesThrough(t *testing.T) {
	v := NewVerifier("test-secret", "")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer garbage")

	Middleware(v)(c)

	_, ok := PrincipalFrom(c)
	assert.False(t, ok)
	assert.False(t, c.IsAborted())
}

func TestRequireAuth(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)

	RequireAuth()(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.True(t, c.IsAborted())

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	SetPrincipal(c, Principal{TenantID: "acme", Role: RoleViewer})

	RequireAuth()(c)
	assert.False(t, c.IsAborted())
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name string
		role Role
		want int
	}{
		{"admin passes", RoleAdmin, http.StatusOK},
		{"operator forbidden", RoleOperator, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(func(c *gin.Context) {
				SetPrincipal(c, Principal{TenantID: "acme", Role: tt.role})
			})
			r.GET("/admin", RequireRole(RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest("GET", "/admin", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestWhoAmI(t *testing.T) {
	r := gin.New()
	r.Use(func(c *gin.Context) { SetPrincipal(c, Principal{TenantID: "acme", Subject: "s", Role: RoleService}) })
	r.GET("/whoami", WhoAmI)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/whoami", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tenantId":"acme"`)
}
