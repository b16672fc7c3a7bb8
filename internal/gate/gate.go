// Package gate is the enforcement entry point for admission pipelines.
// Evaluate classifies a proposed change against the tenant's policy and
// has no side effects. Reserve re-evaluates the change, refuses anything
// the policy does not permit, and places a reservation for the rest.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/guardrail/internal/auth"
	"github.com/mbd888/guardrail/internal/idgen"
	"github.com/mbd888/guardrail/internal/policy"
	"github.com/mbd888/guardrail/internal/reservation"
	"github.com/mbd888/guardrail/internal/traces"
	"github.com/mbd888/guardrail/internal/validation"
)

var (
	ErrPolicyViolation  = errors.New("change not permitted by policy")
	ErrApprovalRequired = errors.New("change requires approval")
	ErrTenantMismatch   = errors.New("decision belongs to another tenant")
	ErrInvalidRequest   = errors.New("invalid gate request")
)

// Event types emitted by the gate.
const (
	EventBlocked   = "decision.blocked"
	EventEscalated = "decision.escalated"
)

// Policies supplies compiled tenant policies.
type Policies interface {
	Get(ctx context.Context, tenantID string) (*policy.Compiled, error)
}

// Reservations places holds for permitted decisions.
type Reservations interface {
	Reserve(ctx context.Context, req reservation.ReserveRequest) (*reservation.Reservation, error)
}

// EvaluateRequest is a proposed change from an admission pipeline.
type EvaluateRequest struct {
	ProjectID                   string `json:"projectId" binding:"required"`
	Environment                 string `json:"environment" binding:"required"`
	Source                      string `json:"source" binding:"required,max=64"`
	Action                      string `json:"action" binding:"max=255"`
	ResourceReference           string `json:"resourceReference" binding:"max=2048"`
	ProjectedMonthlyDeltaAmount Delta  `json:"projectedMonthlyDeltaAmount"`
}

func (r EvaluateRequest) validate() error {
	if !validation.IsValidScopeSegment(r.ProjectID) || !validation.IsValidScopeSegment(r.Environment) {
		return fmt.Errorf("%w: projectId and environment must be 1-128 characters of [A-Za-z0-9._:-]", ErrInvalidRequest)
	}
	if r.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	if r.ProjectedMonthlyDeltaAmount.raw == "" {
		return fmt.Errorf("%w: projectedMonthlyDeltaAmount is required", ErrInvalidRequest)
	}
	return nil
}

func (r EvaluateRequest) change() policy.ChangeRequest {
	return policy.ChangeRequest{
		Source:                r.Source,
		Environment:           r.Environment,
		Action:                r.Action,
		ResourceReference:     r.ResourceReference,
		ProjectedMonthlyDelta: r.ProjectedMonthlyDeltaAmount.Float(),
	}
}

// Decision is an evaluated change. It is returned to the caller, who
// echoes it back to Reserve; it is not stored.
type Decision struct {
	DecisionID string `json:"decisionId"`
	TenantID   string `json:"tenantId"`
	EvaluateRequest
	policy.Result
	ReasonCodes []string  `json:"reasonCodes"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Gate evaluates changes and reserves budget for permitted ones.
type Gate struct {
	policies     Policies
	reservations Reservations
	notifier     reservation.Notifier
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a gate.
func New(policies Policies, reservations Reservations, logger *slog.Logger) *Gate {
	return &Gate{policies: policies, reservations: reservations, logger: logger, now: time.Now}
}

// WithNotifier adds an event notifier for blocked and escalated decisions.
func (g *Gate) WithNotifier(n reservation.Notifier) *Gate {
	g.notifier = n
	return g
}

// Evaluate classifies req for the caller's tenant. A policy that cannot
// be loaded is an error; callers must treat it as not permitted.
func (g *Gate) Evaluate(ctx context.Context, p auth.Principal, req EvaluateRequest) (*Decision, error) {
	ctx, span := traces.StartSpan(ctx, "gate.evaluate", traces.TenantID(p.TenantID))
	defer span.End()

	d, err := g.evaluate(ctx, p.TenantID, idgen.New(), req)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.DecisionID(d.DecisionID), traces.Outcome(string(d.Result.Decision)))

	switch d.Result.Decision {
	case policy.DecisionBlock:
		g.notify(ctx, EventBlocked, d)
	case policy.DecisionEscalate:
		g.notify(ctx, EventEscalated, d)
	}
	return d, nil
}

func (g *Gate) evaluate(ctx context.Context, tenantID, decisionID string, req EvaluateRequest) (*Decision, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	compiled, err := g.policies.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	res := policy.Evaluate(compiled, req.change())
	observeDecision(res)

	if res.NormalizedDelta != req.ProjectedMonthlyDeltaAmount.Float() {
		g.logger.Warn("projected delta normalized", "tenant", tenantID, "decision_id", decisionID,
			"source", req.Source, "delta", req.ProjectedMonthlyDeltaAmount.raw)
	}
	g.logger.Info("change evaluated", "tenant", tenantID, "decision_id", decisionID,
		"project", req.ProjectID, "environment", req.Environment, "source", req.Source,
		"decision", res.Decision, "mode", res.Mode, "summary", res.Summary())

	return &Decision{
		DecisionID:      decisionID,
		TenantID:        tenantID,
		EvaluateRequest: req,
		Result:          res,
		ReasonCodes:     res.ReasonCodes(),
		EvaluatedAt:     g.now().UTC(),
	}, nil
}

// ReserveRequest echoes an evaluated decision back to place its hold.
type ReserveRequest struct {
	Decision   Decision `json:"decision"`
	TTLSeconds int      `json:"ttlSeconds"`
}

// Reserve re-evaluates the echoed decision against the current policy
// and reserves its projected delta. Blocked changes fail with
// ErrPolicyViolation and create nothing. Escalated changes need an
// approver.
func (g *Gate) Reserve(ctx context.Context, p auth.Principal, req ReserveRequest) (*reservation.Reservation, *Decision, error) {
	ctx, span := traces.StartSpan(ctx, "gate.reserve",
		traces.TenantID(p.TenantID), traces.DecisionID(req.Decision.DecisionID))
	defer span.End()

	r, d, err := g.reserve(ctx, p, req)
	traces.Fail(span, err)
	if d != nil {
		span.SetAttributes(traces.Outcome(string(d.Result.Decision)))
	}
	return r, d, err
}

func (g *Gate) reserve(ctx context.Context, p auth.Principal, req ReserveRequest) (*reservation.Reservation, *Decision, error) {
	in := req.Decision
	if in.TenantID != "" && in.TenantID != p.TenantID {
		return nil, nil, ErrTenantMismatch
	}
	if !idgen.Valid(in.DecisionID) {
		return nil, nil, fmt.Errorf("%w: decision.decisionId must be a UUID from evaluate", ErrInvalidRequest)
	}
	if req.TTLSeconds < 0 || time.Duration(req.TTLSeconds)*time.Second > policy.MaxReservationTTL {
		return nil, nil, fmt.Errorf("%w: ttlSeconds must be between 0 and %d", ErrInvalidRequest, int(policy.MaxReservationTTL/time.Second))
	}

	d, err := g.evaluate(ctx, p.TenantID, in.DecisionID, in.EvaluateRequest)
	if err != nil {
		return nil, nil, err
	}

	var approvedBy string
	switch d.Result.Decision {
	case policy.DecisionBlock:
		return nil, d, ErrPolicyViolation
	case policy.DecisionEscalate:
		if !p.Has(auth.RoleApprover) {
			return nil, d, ErrApprovalRequired
		}
		approvedBy = p.Subject
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl == 0 {
		compiled, err := g.policies.Get(ctx, p.TenantID)
		if err != nil {
			return nil, d, err
		}
		ttl = compiled.Policy().ReservationTTL()
	}

	r, err := g.reservations.Reserve(ctx, reservation.ReserveRequest{
		DecisionID:        d.DecisionID,
		TenantID:          p.TenantID,
		ProjectID:         d.ProjectID,
		Environment:       d.Environment,
		Source:            d.Source,
		Action:            d.Action,
		ResourceReference: d.ResourceReference,
		Decision:          string(d.Result.Decision),
		ReasonCodes:       d.ReasonCodes,
		Amount:            d.ProjectedMonthlyDeltaAmount.Amount(),
		TTL:               ttl,
		ApprovedBy:        approvedBy,
	})
	if err != nil {
		return nil, d, err
	}
	return r, d, nil
}

func (g *Gate) notify(ctx context.Context, eventType string, d *Decision) {
	if g.notifier == nil {
		return
	}
	g.notifier.Notify(ctx, eventType, d.TenantID, d)
}
