// Package auth verifies caller identity and carries the caller's tenant and
// role through request handling.
//
// Callers present an HS256 JWT ("Authorization: Bearer <token>") whose
// claims name the tenant and role. The engine trusts these claims but
// scopes every read and write to the token's tenant.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSecret     = errors.New("auth: signing secret not configured")
)

// Role is a caller's permission level.
type Role string

const (
	RoleViewer   Role = "viewer"   // read reservations, exceptions, budgets
	RoleOperator Role = "operator" // reconcile, sweep
	RoleApprover Role = "approver" // reserve escalated decisions
	RoleAdmin    Role = "admin"    // policy, budget, credit and webhook writes
	RoleService  Role = "service"  // admission pipelines and cost ingestion
)

// rank orders the human roles. Service is outside the hierarchy.
var rank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleApprover: 3,
	RoleAdmin:    4,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rank[r]
	return ok || r == RoleService
}

// Principal is the authenticated caller.
type Principal struct {
	TenantID string `json:"tenantId"`
	Subject  string `json:"subject"`
	Role     Role   `json:"role"`
}

// Has reports whether the principal holds role, either directly or through
// a higher rank in the viewer < operator < approver < admin hierarchy.
func (p Principal) Has(role Role) bool {
	if p.Role == role {
		return true
	}
	want, ok := rank[role]
	if !ok {
		return false
	}
	return rank[p.Role] >= want
}

// HasAny reports whether the principal holds any of roles.
func (p Principal) HasAny(roles ...Role) bool {
	for _, r := range roles {
		if p.Has(r) {
			return true
		}
	}
	return false
}

// Claims is the JWT payload.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates and issues tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier for HS256 tokens signed with secret.
// An empty issuer disables the issuer check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses a raw token (with or without the "Bearer " prefix) and
// returns its principal.
func (v *Verifier) Verify(raw string) (Principal, error) {
	if len(v.secret) == 0 {
		return Principal{}, ErrNoSecret
	}
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return Principal{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TenantID == "" {
		return Principal{}, fmt.Errorf("%w: missing tenant_id", ErrInvalidToken)
	}
	if !claims.Role.Valid() {
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return Principal{TenantID: claims.TenantID, Subject: claims.Subject, Role: claims.Role}, nil
}

// Issue signs a token for p that expires after ttl.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := Claims{
		TenantID: p.TenantID,
		Role:     p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
