package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleEvaluateChange evaluates a proposed change.
func (h *Handlers) HandleEvaluateChange(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := ChangeInput{
		ProjectID:                   req.GetString("project_id", ""),
		Environment:                 req.GetString("environment", ""),
		Source:                      req.GetString("source", ""),
		Action:                      req.GetString("action", ""),
		ResourceReference:           req.GetString("resource_reference", ""),
		ProjectedMonthlyDeltaAmount: req.GetString("projected_monthly_delta", ""),
	}
	if in.ProjectID == "" || in.Environment == "" || in.Source == "" {
		return mcp.NewToolResultError("project_id, environment and source are required"), nil
	}
	if in.ProjectedMonthlyDeltaAmount == "" {
		return mcp.NewToolResultError("projected_monthly_delta is required"), nil
	}

	raw, err := h.client.Evaluate(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to evaluate change: %v", err)), nil
	}
	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListActiveReservations lists holds that are still open.
func (h *Handlers) HandleListActiveReservations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListReservations(ctx, "active",
		req.GetString("project_id", ""), req.GetString("environment", ""), req.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list reservations: %v", err)), nil
	}
	text, err := formatReservationList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reservations: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListDriftExceptions lists drift exceptions.
func (h *Handlers) HandleListDriftExceptions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListDriftExceptions(ctx, req.GetString("status", ""), req.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list drift exceptions: %v", err)), nil
	}
	text, err := formatExceptionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse drift exceptions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReconcileReservation reports the actual cost of a reservation.
func (h *Handlers) HandleReconcileReservation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("decision_id", "")
	if id == "" {
		return mcp.NewToolResultError("decision_id is required"), nil
	}
	var actual *string
	if v := strings.TrimSpace(req.GetString("actual_delta_amount", "")); v != "" {
		actual = &v
	}

	raw, err := h.client.Reconcile(ctx, id, actual, req.GetString("notes", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reconcile %s: %v", id, err)), nil
	}
	text, err := formatReconciled(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReconcileAsMatched applies the operator override.
func (h *Handlers) HandleReconcileAsMatched(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("decision_id", "")
	if id == "" {
		return mcp.NewToolResultError("decision_id is required"), nil
	}

	raw, err := h.client.ReconcileAsMatched(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reconcile %s as matched: %v", id, err)), nil
	}
	text, err := formatReconciled(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSweepOverdue triggers a tenant sweep.
func (h *Handlers) HandleSweepOverdue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 0)
	if limit < 0 || limit > 1000 {
		return mcp.NewToolResultError("limit must be between 1 and 1000"), nil
	}

	raw, err := h.client.SweepOverdue(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Sweep failed: %v", err)), nil
	}
	var resp struct {
		Result struct {
			Scanned         int `json:"scanned"`
			ReleasedCount   int `json:"releasedCount"`
			ReconciledCount int `json:"reconciledCount"`
			Skipped         int `json:"skipped"`
			Failed          int `json:"failed"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sweep result: %v", err)), nil
	}
	r := resp.Result
	return mcp.NewToolResultText(fmt.Sprintf(
		"Sweep complete:\n  Scanned:    %d\n  Released:   %d\n  Reconciled: %d\n  Skipped:    %d\n  Failed:     %d\n",
		r.Scanned, r.ReleasedCount, r.ReconciledCount, r.Skipped, r.Failed)), nil
}

// HandleGetBudget shows a scope's budget.
func (h *Handlers) HandleGetBudget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, env := req.GetString("project_id", ""), req.GetString("environment", "")
	if project == "" || env == "" {
		return mcp.NewToolResultError("project_id and environment are required"), nil
	}

	raw, err := h.client.GetBudget(ctx, project, env)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get budget: %v", err)), nil
	}
	text, err := formatBudget(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse budget: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type ruleHit struct {
	Rule     string `json:"rule"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail"`
	Enforced bool   `json:"enforced"`
}

type decisionView struct {
	DecisionID         string    `json:"decisionId"`
	ProjectID          string    `json:"projectId"`
	Environment        string    `json:"environment"`
	Decision           string    `json:"decision"`
	Tier               string    `json:"tier"`
	Mode               string    `json:"mode"`
	UnenforcedDecision string    `json:"unenforcedDecision"`
	RuleHits           []ruleHit `json:"ruleHits"`
}

type reservationView struct {
	DecisionID          string `json:"decisionId"`
	ProjectID           string `json:"projectId"`
	Environment         string `json:"environment"`
	Decision            string `json:"decision"`
	ReservedTotalAmount string `json:"reservedTotalAmount"`
	State               string `json:"state"`
	TTLExpiresAt        string `json:"ttlExpiresAt"`
}

type exceptionView struct {
	DecisionID             string  `json:"decisionId"`
	ScopeKey               string  `json:"scopeKey"`
	Status                 string  `json:"status"`
	ExpectedReservedAmount string  `json:"expectedReservedAmount"`
	ActualDeltaAmount      *string `json:"actualDeltaAmount"`
	DriftAmount            *string `json:"driftAmount"`
	ToleranceAmount        string  `json:"toleranceAmount"`
	Notes                  string  `json:"notes"`
}

func formatDecision(raw json.RawMessage) (string, error) {
	var resp struct {
		Decision *decisionView `json:"decision"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Decision == nil {
		return "", fmt.Errorf("no decision in response")
	}
	d := resp.Decision

	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision: %s (%s, %s mode)\n", strings.ToUpper(d.Decision), d.Tier, d.Mode)
	fmt.Fprintf(&sb, "Decision ID: %s\n", d.DecisionID)
	fmt.Fprintf(&sb, "Scope: %s/%s\n", d.ProjectID, d.Environment)
	if d.UnenforcedDecision != "" {
		fmt.Fprintf(&sb, "Hard mode would have returned: %s\n", d.UnenforcedDecision)
	}
	if len(d.RuleHits) == 0 {
		sb.WriteString("No rules fired.\n")
		return sb.String(), nil
	}
	sb.WriteString("Rules:\n")
	for _, hit := range d.RuleHits {
		enforced := ""
		if !hit.Enforced {
			enforced = " [not enforced]"
		}
		fmt.Fprintf(&sb, "  - %s -> %s%s", hit.Rule, hit.Outcome, enforced)
		if hit.Detail != "" {
			fmt.Fprintf(&sb, ": %s", hit.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatReservationList(raw json.RawMessage) (string, error) {
	var resp struct {
		Reservations []reservationView `json:"reservations"`
		HasMore      bool              `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Reservations) == 0 {
		return "No active reservations.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d active reservation(s):\n\n", len(resp.Reservations))
	for i, r := range resp.Reservations {
		fmt.Fprintf(&sb, "%d. %s  %s/%s  %s USD  expires %s\n",
			i+1, r.DecisionID, r.ProjectID, r.Environment, r.ReservedTotalAmount, r.TTLExpiresAt)
	}
	if resp.HasMore {
		sb.WriteString("\nMore reservations exist; raise the limit to see them.\n")
	}
	return sb.String(), nil
}

func formatExceptionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Exceptions []exceptionView `json:"exceptions"`
		HasMore    bool            `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Exceptions) == 0 {
		return "No drift exceptions.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d drift exception(s):\n\n", len(resp.Exceptions))
	for i, e := range resp.Exceptions {
		fmt.Fprintf(&sb, "%d. %s  [%s]  %s\n", i+1, e.DecisionID, e.Status, e.ScopeKey)
		fmt.Fprintf(&sb, "   reserved %s, actual %s, drift %s (tolerance %s)\n",
			e.ExpectedReservedAmount, orUnknown(e.ActualDeltaAmount), orUnknown(e.DriftAmount), e.ToleranceAmount)
		if e.Notes != "" {
			fmt.Fprintf(&sb, "   notes: %s\n", e.Notes)
		}
	}
	if resp.HasMore {
		sb.WriteString("\nMore exceptions exist; raise the limit to see them.\n")
	}
	return sb.String(), nil
}

func formatReconciled(raw json.RawMessage) (string, error) {
	var resp struct {
		Exception *exceptionView `json:"exception"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Exception == nil {
		return "", fmt.Errorf("no exception in response")
	}
	e := resp.Exception

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reconciled %s: %s\n", e.DecisionID, e.Status)
	fmt.Fprintf(&sb, "  Reserved:  %s USD\n", e.ExpectedReservedAmount)
	fmt.Fprintf(&sb, "  Actual:    %s\n", orUnknown(e.ActualDeltaAmount))
	fmt.Fprintf(&sb, "  Drift:     %s\n", orUnknown(e.DriftAmount))
	fmt.Fprintf(&sb, "  Tolerance: %s\n", e.ToleranceAmount)
	if e.Notes != "" {
		fmt.Fprintf(&sb, "  Notes:     %s\n", e.Notes)
	}
	return sb.String(), nil
}

func formatBudget(raw json.RawMessage) (string, error) {
	var resp struct {
		Account struct {
			ScopeKey string `json:"scopeKey"`
			Budget   *struct {
				MonthlyLimit string `json:"monthlyLimit"`
				Reserved     string `json:"reserved"`
				Spent        string `json:"spent"`
				Period       string `json:"period"`
				Active       bool   `json:"active"`
			} `json:"budget"`
			Credits []struct {
				ID              string `json:"id"`
				RemainingAmount string `json:"remainingAmount"`
				ExpiresAt       string `json:"expiresAt"`
				Active          bool   `json:"active"`
			} `json:"credits"`
			BudgetHeadroom  string `json:"budgetHeadroom"`
			CreditAvailable string `json:"creditAvailable"`
			TotalAvailable  string `json:"totalAvailable"`
		} `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	a := resp.Account

	var sb strings.Builder
	fmt.Fprintf(&sb, "Budget for %s:\n", a.ScopeKey)
	if b := a.Budget; b != nil {
		state := "active"
		if !b.Active {
			state = "inactive"
		}
		fmt.Fprintf(&sb, "  Period:   %s (%s)\n", b.Period, state)
		fmt.Fprintf(&sb, "  Limit:    %s USD\n", b.MonthlyLimit)
		fmt.Fprintf(&sb, "  Reserved: %s USD\n", b.Reserved)
		fmt.Fprintf(&sb, "  Spent:    %s USD\n", b.Spent)
	} else {
		sb.WriteString("  No monthly budget configured.\n")
	}
	for _, c := range a.Credits {
		if !c.Active {
			continue
		}
		expires := "never"
		if c.ExpiresAt != "" {
			expires = c.ExpiresAt
		}
		fmt.Fprintf(&sb, "  Credit %s: %s USD remaining, expires %s\n", c.ID, c.RemainingAmount, expires)
	}
	fmt.Fprintf(&sb, "  Available: %s USD (budget %s + credit %s)\n", a.TotalAvailable, a.BudgetHeadroom, a.CreditAvailable)
	return sb.String(), nil
}

func orUnknown(s *string) string {
	if s == nil {
		return "unknown"
	}
	return *s
}
