package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the guardrail MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEvaluateChange = mcp.NewTool("evaluate_change",
	mcp.WithDescription(
		"Evaluate a proposed infrastructure change against the tenant's spend policy. "+
			"Returns the decision (allow, warn, escalate or block), the rules that fired and a decision ID. "+
			"Nothing is reserved; use this to check a change before applying it."),
	mcp.WithString("project_id",
		mcp.Required(),
		mcp.Description("Project the change belongs to (e.g. 'checkout')")),
	mcp.WithString("environment",
		mcp.Required(),
		mcp.Description("Target environment (e.g. 'prod', 'staging')")),
	mcp.WithString("source",
		mcp.Required(),
		mcp.Description("Tool producing the change (e.g. 'terraform', 'helm')")),
	mcp.WithString("projected_monthly_delta",
		mcp.Required(),
		mcp.Description("Projected change in monthly cost in USD (e.g. '125.50')")),
	mcp.WithString("action",
		mcp.Description("What the change does (e.g. 'apply', 'scale')")),
	mcp.WithString("resource_reference",
		mcp.Description("Identifier of the affected resource")),
)

var ToolListActiveReservations = mcp.NewTool("list_active_reservations",
	mcp.WithDescription(
		"List budget reservations that are still active (not yet reconciled or released). "+
			"Shows the reserved amount and when each hold expires."),
	mcp.WithString("project_id",
		mcp.Description("Only reservations for this project")),
	mcp.WithString("environment",
		mcp.Description("Only reservations for this environment")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of reservations to return (default 50)")),
)

var ToolListDriftExceptions = mcp.NewTool("list_drift_exceptions",
	mcp.WithDescription(
		"List drift exceptions: reservations whose actual cost differed from the reserved amount "+
			"beyond tolerance, expired without a cost report, or are still waiting for one."),
	mcp.WithString("status",
		mcp.Description("Comma-separated statuses to include: pending, matched, overage, shortage, expired. "+
			"Defaults to all.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of exceptions to return (default 50)")),
)

var ToolReconcileReservation = mcp.NewTool("reconcile_reservation",
	mcp.WithDescription(
		"Report the actual monthly cost of a reserved change. The hold is settled and any drift "+
			"beyond tolerance is recorded as an overage or shortage. Omit actual_delta_amount when the "+
			"cost is unknown; the hold is released and the exception stays pending."),
	mcp.WithString("decision_id",
		mcp.Required(),
		mcp.Description("Decision ID of the reservation")),
	mcp.WithString("actual_delta_amount",
		mcp.Description("Observed monthly cost in USD (e.g. '130.00')")),
	mcp.WithString("notes",
		mcp.Description("Free-text note stored with the exception")),
)

var ToolReconcileAsMatched = mcp.NewTool("reconcile_as_matched",
	mcp.WithDescription(
		"Operator override: close a reservation as if the actual cost equalled the reserved amount. "+
			"Also clears an outstanding exception on a reservation that has already closed."),
	mcp.WithString("decision_id",
		mcp.Required(),
		mcp.Description("Decision ID of the reservation")),
)

var ToolSweepOverdue = mcp.NewTool("sweep_overdue",
	mcp.WithDescription(
		"Release reservations whose TTL has passed. Reservations with an observed cost are reconciled; "+
			"the rest are released and recorded as expired."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of reservations to process (1-1000)")),
)

var ToolGetBudget = mcp.NewTool("get_budget",
	mcp.WithDescription(
		"Show a project environment's monthly budget: limit, reserved, spent, credits and headroom."),
	mcp.WithString("project_id",
		mcp.Required(),
		mcp.Description("Project (e.g. 'checkout')")),
	mcp.WithString("environment",
		mcp.Required(),
		mcp.Description("Environment (e.g. 'prod')")),
)
