package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guardrail/internal/circuitbreaker"
	"github.com/mbd888/guardrail/internal/retry"
	"github.com/mbd888/guardrail/internal/security"
)

type received struct {
	headers http.Header
	body    []byte
}

type receiver struct {
	mu     sync.Mutex
	got    []received
	status atomic.Int32
	srv    *httptest.Server
}

func newReceiver(t *testing.T) *receiver {
	t.Helper()
	r := &receiver{}
	r.status.Store(http.StatusOK)
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.got = append(r.got, received{headers: req.Header.Clone(), body: body})
		r.mu.Unlock()
		w.WriteHeader(int(r.status.Load()))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) calls() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.got...)
}

func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, time.Second, slog.Default()).
		WithEndpointPolicy(security.EndpointPolicy{AllowHTTP: true, AllowPrivate: true}).
		WithBackoff(retry.Backoff{MaxAttempts: 3})
	d.now = func() time.Time { return testNow }
	return d
}

func testEvent(tenant, eventType string) *Event {
	return &Event{
		ID:        "evt_1",
		Type:      eventType,
		TenantID:  tenant,
		Timestamp: testNow,
		Data:      map[string]any{"decisionId": "d1"},
	}
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := Sign("whsec_x", 1773489600, body)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.True(t, Verify("whsec_x", 1773489600, body, sig))
	assert.False(t, Verify("whsec_y", 1773489600, body, sig))
	assert.False(t, Verify("whsec_x", 1773489601, body, sig))
	assert.False(t, Verify("whsec_x", 1773489600, []byte(`{"id":"evt_2"}`), sig))
}

func TestDispatch_SignedDelivery(t *testing.T) {
	ctx := context.Background()
	rcv := newReceiver(t)
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newSub("wh_1", "acme", rcv.srv.URL, EventDecisionBlocked)))
	require.NoError(t, store.Create(ctx, newSub("wh_2", "acme", rcv.srv.URL, EventReservationExpired)))
	require.NoError(t, store.Create(ctx, newSub("wh_3", "globex", rcv.srv.URL, EventDecisionBlocked)))

	out, err := newTestDispatcher(store).Dispatch(ctx, testEvent("acme", EventDecisionBlocked))
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"wh_1": OutcomeDelivered}, out)

	calls := rcv.calls()
	require.Len(t, calls, 1)
	h := calls[0].headers
	assert.Equal(t, EventDecisionBlocked, h.Get(HeaderEvent))
	assert.Equal(t, "evt_1", h.Get(HeaderDelivery))
	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, testNow.Unix(), ts)
	assert.True(t, Verify("whsec_test", ts, calls[0].body, h.Get(HeaderSignature)))

	var ev Event
	require.NoError(t, json.Unmarshal(calls[0].body, &ev))
	assert.Equal(t, "acme", ev.TenantID)

	sub, _ := store.Get(ctx, "acme", "wh_1")
	require.NotNil(t, sub.LastSuccess)
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	ctx := context.Background()
	rcv := newReceiver(t)
	rcv.status.Store(http.StatusServiceUnavailable)
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newSub("wh_1", "acme", rcv.srv.URL, EventReservationExpired)))

	out, err := newTestDispatcher(store).Dispatch(ctx, testEvent("acme", EventReservationExpired))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out["wh_1"])
	assert.Len(t, rcv.calls(), 3)

	sub, _ := store.Get(ctx, "acme", "wh_1")
	assert.Equal(t, "status 503", sub.LastError)
	assert.Equal(t, 1, sub.ConsecutiveFailures)
}

func TestDispatch_ClientErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	rcv := newReceiver(t)
	rcv.status.Store(http.StatusGone)
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newSub("wh_1", "acme", rcv.srv.URL, EventReservationExpired)))

	out, err := newTestDispatcher(store).Dispatch(ctx, testEvent("acme", EventReservationExpired))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out["wh_1"])
	assert.Len(t, rcv.calls(), 1)
}

func TestDispatch_CircuitOpensPerURL(t *testing.T) {
	ctx := context.Background()
	rcv := newReceiver(t)
	rcv.status.Store(http.StatusInternalServerError)
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newSub("wh_1", "acme", rcv.srv.URL, EventReservationExpired)))

	d := newTestDispatcher(store).
		WithBackoff(retry.Backoff{MaxAttempts: 1}).
		WithBreaker(circuitbreaker.New("webhook_test", 2, time.Hour))

	for i := 0; i < 2; i++ {
		out, err := d.Dispatch(ctx, testEvent("acme", EventReservationExpired))
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, out["wh_1"])
	}
	out, err := d.Dispatch(ctx, testEvent("acme", EventReservationExpired))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCircuitOpen, out["wh_1"])
	assert.Len(t, rcv.calls(), 2)

	d.Forget(rcv.srv.URL)
	rcv.status.Store(http.StatusOK)
	out, _ = d.Dispatch(ctx, testEvent("acme", EventReservationExpired))
	assert.Equal(t, OutcomeDelivered, out["wh_1"])
}

func TestDispatch_RejectsPrivateTargets(t *testing.T) {
	ctx := context.Background()
	rcv := newReceiver(t)
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newSub("wh_1", "acme", rcv.srv.URL, EventDecisionBlocked)))

	d := newTestDispatcher(store).WithEndpointPolicy(security.EndpointPolicy{})
	out, err := d.Dispatch(ctx, testEvent("acme", EventDecisionBlocked))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out["wh_1"])
	assert.Empty(t, rcv.calls())

	sub, _ := store.Get(ctx, "acme", "wh_1")
	assert.Contains(t, sub.LastError, "unsafe endpoint")
}

func TestDispatch_NoSubscribers(t *testing.T) {
	out, err := newTestDispatcher(NewMemoryStore()).Dispatch(context.Background(), testEvent("acme", EventDecisionBlocked))
	require.NoError(t, err)
	assert.Empty(t, out)
}
