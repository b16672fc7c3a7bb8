package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the guardrail API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer JWT carrying tenant and role
}

// Client is a thin HTTP client for the guardrail API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ChangeInput is a proposed change to evaluate.
type ChangeInput struct {
	ProjectID                   string `json:"projectId"`
	Environment                 string `json:"environment"`
	Source                      string `json:"source"`
	Action                      string `json:"action,omitempty"`
	ResourceReference           string `json:"resourceReference,omitempty"`
	ProjectedMonthlyDeltaAmount string `json:"projectedMonthlyDeltaAmount"`
}

// Evaluate asks the gate for a decision without reserving anything.
func (c *Client) Evaluate(ctx context.Context, in ChangeInput) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/evaluate", nil, in)
}

// ListReservations lists the caller's reservations in state, optionally
// narrowed to a project and environment.
func (c *Client) ListReservations(ctx context.Context, state, project, environment string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if project != "" {
		q.Set("project", project)
	}
	if environment != "" {
		q.Set("environment", environment)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/reservations", q, nil)
}

// ListDriftExceptions lists drift exceptions; statuses is a comma list.
func (c *Client) ListDriftExceptions(ctx context.Context, statuses string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if statuses != "" {
		q.Set("status", statuses)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/drift-exceptions", q, nil)
}

// Reconcile reports the actual cost of a reserved change. A nil actual
// reports the cost as unknown.
func (c *Client) Reconcile(ctx context.Context, decisionID string, actual *string, notes string) (json.RawMessage, error) {
	body := map[string]any{"actualDeltaAmount": nil, "notes": notes}
	if actual != nil {
		body["actualDeltaAmount"] = *actual
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/reservations/"+url.PathEscape(decisionID)+"/reconcile", nil, body)
}

// ReconcileAsMatched closes a reservation as if actual equalled reserved.
func (c *Client) ReconcileAsMatched(ctx context.Context, decisionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/reservations/"+url.PathEscape(decisionID)+"/reconcile-matched", nil, nil)
}

// SweepOverdue releases the caller's overdue reservations.
func (c *Client) SweepOverdue(ctx context.Context, limit int) (json.RawMessage, error) {
	body := map[string]int{}
	if limit > 0 {
		body["limit"] = limit
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/sweep", nil, body)
}

// GetBudget returns a scope's budget, credits and availability.
func (c *Client) GetBudget(ctx context.Context, project, environment string) (json.RawMessage, error) {
	path := "/v1/budgets/" + url.PathEscape(project) + "/" + url.PathEscape(environment)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}
