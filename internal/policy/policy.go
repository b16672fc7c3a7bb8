// Package policy holds tenant governance policy and the decision evaluator
// that gates proposed infrastructure changes.
//
// A tenant has exactly one Policy. It sets an enforcement mode per
// integration source (shadow, soft, hard), approval requirements per
// environment class, spend thresholds and the default reservation TTL.
// Evaluate is a pure function over a compiled policy and a change request.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Errors
var (
	ErrPolicyNotFound = errors.New("policy: not found")
	ErrInvalidPolicy  = errors.New("policy: invalid")
)

// Mode is the enforcement mode applied to an integration source.
type Mode string

const (
	ModeShadow Mode = "shadow" // observe only, never blocks
	ModeSoft   Mode = "soft"   // allow with warning
	ModeHard   Mode = "hard"   // block and escalate as evaluated
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeShadow, ModeSoft, ModeHard:
		return true
	}
	return false
}

// Well-known integration sources. Sources are free-form; these are the
// ones the admission pipelines send today.
const (
	SourceTerraform   = "terraform"
	SourceKubernetes  = "kubernetes"
	SourceRemediation = "remediation"
)

// Defaults applied when a policy leaves a field unset.
const (
	DefaultReservationTTL = 900 * time.Second
	MaxReservationTTL     = 30 * 24 * time.Hour
)

// DefaultProductionEnvironments classify environments as production when
// a policy does not list its own.
var DefaultProductionEnvironments = []string{"prod", "production"}

// Policy is a tenant's governance policy.
type Policy struct {
	TenantID                   string          `json:"tenantId" yaml:"tenant_id" validate:"required,max=128"`
	Modes                      map[string]Mode `json:"modes" yaml:"modes" validate:"omitempty,dive,keys,required,max=64,endkeys,oneof=shadow soft hard"`
	DefaultMode                Mode            `json:"defaultMode" yaml:"default_mode" validate:"omitempty,oneof=shadow soft hard"`
	RequireApprovalForProd     bool            `json:"requireApprovalForProd" yaml:"require_approval_for_prod"`
	RequireApprovalForNonprod  bool            `json:"requireApprovalForNonprod" yaml:"require_approval_for_nonprod"`
	AutoApproveBelowMonthlyUSD float64         `json:"autoApproveBelowMonthlyUsd" yaml:"auto_approve_below_monthly_usd" validate:"gte=0"`
	HardDenyAboveMonthlyUSD    float64         `json:"hardDenyAboveMonthlyUsd" yaml:"hard_deny_above_monthly_usd" validate:"gte=0"`
	ReservationTTLSeconds      int             `json:"reservationTtlSeconds" yaml:"reservation_ttl_seconds" validate:"gte=0,lte=2592000"`
	ProductionEnvironments     []string        `json:"productionEnvironments,omitempty" yaml:"production_environments" validate:"omitempty,dive,required,max=64"`
	CustomRules                []CustomRule    `json:"customRules,omitempty" yaml:"custom_rules" validate:"omitempty,max=50,dive"`

	Version   int       `json:"version" yaml:"-"`
	UpdatedBy string    `json:"updatedBy,omitempty" yaml:"-"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// CustomRule is a tenant-defined CEL expression. When the expression
// evaluates to true the rule hits with Outcome.
type CustomRule struct {
	Name        string   `json:"name" yaml:"name" validate:"required,max=64"`
	Expression  string   `json:"expression" yaml:"expression" validate:"required,max=4096"`
	Outcome     Decision `json:"outcome" yaml:"outcome" validate:"required,oneof=warn escalate block"`
	Description string   `json:"description,omitempty" yaml:"description" validate:"max=500"`
}

// DefaultPolicy is the policy used for tenants that have not configured one:
// hard mode everywhere, no thresholds, no approvals.
func DefaultPolicy(tenantID string) *Policy {
	return &Policy{
		TenantID:              tenantID,
		Modes:                 map[string]Mode{},
		DefaultMode:           ModeHard,
		ReservationTTLSeconds: int(DefaultReservationTTL / time.Second),
	}
}

// ModeFor returns the enforcement mode configured for source.
func (p *Policy) ModeFor(source string) Mode {
	if m, ok := p.Modes[strings.ToLower(source)]; ok && m.Valid() {
		return m
	}
	if p.DefaultMode.Valid() {
		return p.DefaultMode
	}
	return ModeHard
}

// ReservationTTL returns the default reservation TTL for this policy.
func (p *Policy) ReservationTTL() time.Duration {
	if p.ReservationTTLSeconds <= 0 {
		return DefaultReservationTTL
	}
	return time.Duration(p.ReservationTTLSeconds) * time.Second
}

// IsProduction reports whether environment belongs to the production class.
func (p *Policy) IsProduction(environment string) bool {
	envs := p.ProductionEnvironments
	if len(envs) == 0 {
		envs = DefaultProductionEnvironments
	}
	env := strings.ToLower(strings.TrimSpace(environment))
	for _, e := range envs {
		if strings.ToLower(e) == env {
			return true
		}
	}
	return false
}

// Normalize lower-cases source keys and fills defaults in place.
func (p *Policy) Normalize() {
	if p.Modes == nil {
		p.Modes = map[string]Mode{}
	}
	modes := make(map[string]Mode, len(p.Modes))
	for k, v := range p.Modes {
		modes[strings.ToLower(strings.TrimSpace(k))] = Mode(strings.ToLower(string(v)))
	}
	p.Modes = modes
	if p.DefaultMode == "" {
		p.DefaultMode = ModeHard
	}
	p.DefaultMode = Mode(strings.ToLower(string(p.DefaultMode)))
	if p.ReservationTTLSeconds == 0 {
		p.ReservationTTLSeconds = int(DefaultReservationTTL / time.Second)
	}
}

// Clone returns a deep copy.
func (p *Policy) Clone() *Policy {
	cp := *p
	cp.Modes = make(map[string]Mode, len(p.Modes))
	for k, v := range p.Modes {
		cp.Modes[k] = v
	}
	cp.ProductionEnvironments = append([]string(nil), p.ProductionEnvironments...)
	cp.CustomRules = append([]CustomRule(nil), p.CustomRules...)
	return &cp
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field consistency. Every
// returned error wraps ErrInvalidPolicy.
func (p *Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidPolicy, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if p.HardDenyAboveMonthlyUSD > 0 && p.AutoApproveBelowMonthlyUSD > p.HardDenyAboveMonthlyUSD {
		return fmt.Errorf("%w: autoApproveBelowMonthlyUsd exceeds hardDenyAboveMonthlyUsd", ErrInvalidPolicy)
	}
	seen := make(map[string]bool, len(p.CustomRules))
	for _, r := range p.CustomRules {
		if seen[r.Name] {
			return fmt.Errorf("%w: duplicate custom rule %q", ErrInvalidPolicy, r.Name)
		}
		if isBuiltinRule(r.Name) {
			return fmt.Errorf("%w: custom rule %q shadows a built-in rule", ErrInvalidPolicy, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}
