package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/guardrail/internal/circuitbreaker"
	"github.com/mbd888/guardrail/internal/retry"
	"github.com/mbd888/guardrail/internal/security"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Guardrail-Event"
	HeaderDelivery  = "X-Guardrail-Delivery"
	HeaderTimestamp = "X-Guardrail-Timestamp"
	HeaderSignature = "X-Guardrail-Signature"
)

// Sign returns the signature header value for a delivery:
// "sha256=" + hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, timestamp int64, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

// Outcome of a single subscription delivery.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeFailed      Outcome = "failed"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeRejected    Outcome = "rejected"
)

// errStatus is a non-2xx response from a subscriber.
type errStatus struct{ code int }

func (e errStatus) Error() string { return fmt.Sprintf("status %d", e.code) }

// Dispatcher signs and POSTs events to matching subscriptions.
type Dispatcher struct {
	store     Store
	client    *http.Client
	breaker   *circuitbreaker.Breaker
	backoff   retry.Backoff
	endpoints security.EndpointPolicy
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher with a per-request timeout.
func NewDispatcher(store Store, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New("webhook", 5, time.Minute),
		backoff: retry.Backoff{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		logger:  logger,
		now:     time.Now,
	}
}

// WithEndpointPolicy replaces the outbound URL policy.
func (d *Dispatcher) WithEndpointPolicy(p security.EndpointPolicy) *Dispatcher {
	d.endpoints = p
	return d
}

// WithBackoff replaces the per-delivery retry schedule.
func (d *Dispatcher) WithBackoff(b retry.Backoff) *Dispatcher {
	d.backoff = b
	return d
}

// WithBreaker replaces the per-URL circuit breaker.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// EndpointPolicy returns the policy subscription URLs are checked against.
func (d *Dispatcher) EndpointPolicy() security.EndpointPolicy { return d.endpoints }

// Forget drops breaker state for url.
func (d *Dispatcher) Forget(url string) { d.breaker.Forget(url) }

// Dispatch delivers ev to every matching subscription of its tenant and
// returns the per-subscription outcomes keyed by subscription ID.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (map[string]Outcome, error) {
	subs, err := d.store.ListForEvent(ctx, ev.TenantID, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	out := make(map[string]Outcome, len(subs))
	for _, sub := range subs {
		out[sub.ID] = d.deliver(ctx, sub, ev, body)
	}
	return out, nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, ev *Event, body []byte) Outcome {
	// Re-checked per delivery so a DNS change cannot redirect to an internal host.
	if err := d.endpoints.Check(ctx, sub.URL); err != nil {
		d.record(ctx, sub, err.Error())
		return OutcomeRejected
	}

	err := d.breaker.Execute(ctx, sub.URL, func(ctx context.Context) error {
		return d.backoff.Do(ctx, func(int) error {
			return d.post(ctx, sub, ev, body)
		})
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return OutcomeCircuitOpen
	case err != nil:
		d.logger.Warn("webhook delivery failed",
			"subscription_id", sub.ID, "tenant_id", sub.TenantID, "event", ev.Type, "error", err)
		d.record(ctx, sub, err.Error())
		return OutcomeFailed
	}
	d.record(ctx, sub, "")
	return OutcomeDelivered
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, ev *Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	ts := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "guardrail-webhooks/1")
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errStatus{resp.StatusCode}
	default:
		return retry.Permanent(errStatus{resp.StatusCode})
	}
}

func (d *Dispatcher) record(ctx context.Context, sub *Subscription, errMsg string) {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	if err := d.store.RecordDelivery(context.WithoutCancel(ctx), sub.ID, d.now().UTC(), errMsg); err != nil {
		d.logger.Warn("record webhook delivery", "subscription_id", sub.ID, "error", err)
	}
}
