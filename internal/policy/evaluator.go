package policy

import (
	"fmt"
	"math"
	"strings"
)

// Decision is the outcome of evaluating a change request.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionWarn     Decision = "warn"
	DecisionEscalate Decision = "escalate"
	DecisionBlock    Decision = "block"
)

// Severity orders decisions from allow (0) to block (3).
func (d Decision) Severity() int {
	switch d {
	case DecisionWarn:
		return 1
	case DecisionEscalate:
		return 2
	case DecisionBlock:
		return 3
	default:
		return 0
	}
}

// Permits reports whether a reservation may be placed for this decision
// without further approval.
func (d Decision) Permits() bool {
	return d == DecisionAllow || d == DecisionWarn
}

// Tier explains how strongly a decision is enforced.
type Tier string

const (
	TierClear         Tier = "clear"         // nothing hit
	TierInformational Tier = "informational" // shadow mode, recorded only
	TierAdvisory      Tier = "advisory"      // warned, still allowed
	TierApproval      Tier = "approval"      // needs a human approval
	TierEnforced      Tier = "enforced"      // blocked
)

// Built-in rule names, in evaluation order.
const (
	RuleDeltaNormalized  = "delta_normalized"
	RuleHardDenyAbove    = "hard_deny_above"
	RuleApprovalRequired = "approval_required"
)

func isBuiltinRule(name string) bool {
	switch name {
	case RuleDeltaNormalized, RuleHardDenyAbove, RuleApprovalRequired:
		return true
	}
	return false
}

// ChangeRequest describes a proposed infrastructure change.
type ChangeRequest struct {
	Source                string  `json:"source"`
	Environment           string  `json:"environment"`
	Action                string  `json:"action"`
	ResourceReference     string  `json:"resourceReference"`
	ProjectedMonthlyDelta float64 `json:"projectedMonthlyDeltaAmount"`
}

// RuleHit records one rule that fired during evaluation.
type RuleHit struct {
	Rule     string   `json:"rule"`
	Outcome  Decision `json:"outcome"`
	Detail   string   `json:"detail"`
	Enforced bool     `json:"enforced"`
}

// Result is the evaluator's output.
type Result struct {
	Decision Decision `json:"decision"`
	Tier     Tier     `json:"tier"`
	Mode     Mode     `json:"mode"`
	// Unenforced is the decision hard mode would have produced. Set only
	// when shadow or soft mode changed the outcome.
	Unenforced      Decision  `json:"unenforcedDecision,omitempty"`
	RuleHits        []RuleHit `json:"ruleHits"`
	NormalizedDelta float64   `json:"normalizedDelta"`
	Production      bool      `json:"production"`
	PolicyVersion   int       `json:"policyVersion"`
}

// ReasonCodes returns the names of the rules that hit, in order.
func (r Result) ReasonCodes() []string {
	codes := make([]string, 0, len(r.RuleHits))
	for _, h := range r.RuleHits {
		codes = append(codes, h.Rule)
	}
	return codes
}

// input is the normalized view of a request shared by all rules.
type input struct {
	req        ChangeRequest
	delta      float64
	production bool
}

// rule is one entry in the ordered rule table. eval returns the outcome and
// a human-readable detail when the rule fires.
type rule struct {
	name string
	eval func(p *Policy, in *input) (Decision, string, bool)
}

// builtinRules run in this order before any custom rule.
var builtinRules = []rule{
	{name: RuleHardDenyAbove, eval: hardDenyAbove},
	{name: RuleApprovalRequired, eval: approvalRequired},
}

func hardDenyAbove(p *Policy, in *input) (Decision, string, bool) {
	if p.HardDenyAboveMonthlyUSD <= 0 || in.delta <= p.HardDenyAboveMonthlyUSD {
		return "", "", false
	}
	return DecisionBlock, fmt.Sprintf("projected monthly delta %.2f exceeds hard deny threshold %.2f",
		in.delta, p.HardDenyAboveMonthlyUSD), true
}

func approvalRequired(p *Policy, in *input) (Decision, string, bool) {
	required := p.RequireApprovalForNonprod
	class := "non-production"
	if in.production {
		required = p.RequireApprovalForProd
		class = "production"
	}
	if !required || in.delta <= p.AutoApproveBelowMonthlyUSD {
		return "", "", false
	}
	return DecisionEscalate, fmt.Sprintf("%s change of %.2f/month is above auto-approve threshold %.2f",
		class, in.delta, p.AutoApproveBelowMonthlyUSD), true
}

// modeOutcome maps a raw (hard-mode) decision to the enforced decision and
// tier for each mode.
var modeOutcome = map[Mode]func(raw Decision) (Decision, Tier){
	ModeShadow: func(Decision) (Decision, Tier) {
		return DecisionAllow, TierInformational
	},
	ModeSoft: func(raw Decision) (Decision, Tier) {
		if raw == DecisionAllow {
			return DecisionAllow, TierClear
		}
		return DecisionWarn, TierAdvisory
	},
	ModeHard: func(raw Decision) (Decision, Tier) {
		switch raw {
		case DecisionBlock:
			return DecisionBlock, TierEnforced
		case DecisionEscalate:
			return DecisionEscalate, TierApproval
		case DecisionWarn:
			return DecisionWarn, TierAdvisory
		default:
			return DecisionAllow, TierClear
		}
	},
}

// Evaluate applies a compiled policy to a change request. It never fails:
// negative or non-finite deltas are treated as zero and recorded as a rule
// hit, and custom rules that error out hit as escalate.
func Evaluate(c *Compiled, req ChangeRequest) Result {
	if c == nil {
		c = defaultCompiled
	}
	p := c.policy

	in := &input{req: req, delta: req.ProjectedMonthlyDelta, production: p.IsProduction(req.Environment)}
	var hits []RuleHit

	if math.IsNaN(in.delta) || math.IsInf(in.delta, 0) || in.delta < 0 {
		hits = append(hits, RuleHit{
			Rule:    RuleDeltaNormalized,
			Outcome: DecisionAllow,
			Detail:  fmt.Sprintf("projected monthly delta %v normalized to 0", req.ProjectedMonthlyDelta),
		})
		in.delta = 0
	}

	raw := DecisionAllow
	record := func(name string, outcome Decision, detail string) {
		hits = append(hits, RuleHit{Rule: name, Outcome: outcome, Detail: detail})
		if outcome.Severity() > raw.Severity() {
			raw = outcome
		}
	}

	for _, r := range builtinRules {
		if outcome, detail, ok := r.eval(p, in); ok {
			record(r.name, outcome, detail)
		}
	}
	for _, cr := range c.custom {
		if outcome, detail, ok := cr.eval(in); ok {
			record(cr.name, outcome, detail)
		}
	}

	mode := p.ModeFor(req.Source)
	decision, tier := modeOutcome[mode](raw)

	for i := range hits {
		h := &hits[i]
		h.Enforced = h.Outcome != DecisionAllow && mode != ModeShadow &&
			(mode == ModeHard || h.Outcome == DecisionWarn)
	}

	res := Result{
		Decision:        decision,
		Tier:            tier,
		Mode:            mode,
		RuleHits:        hits,
		NormalizedDelta: in.delta,
		Production:      in.production,
		PolicyVersion:   p.Version,
	}
	if decision != raw {
		res.Unenforced = raw
	}
	if res.RuleHits == nil {
		res.RuleHits = []RuleHit{}
	}
	return res
}

// Summary is a one-line explanation of a result, used in logs and
// notifications.
func (r Result) Summary() string {
	var parts []string
	for _, h := range r.RuleHits {
		if h.Outcome != DecisionAllow {
			parts = append(parts, h.Rule+": "+h.Detail)
		}
	}
	if len(parts) == 0 {
		return string(r.Decision)
	}
	return string(r.Decision) + " (" + strings.Join(parts, "; ") + ")"
}
