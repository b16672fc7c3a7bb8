package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guardrail/internal/auth"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func addClient(t *testing.T, h *Hub, tenant string, types ...string) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, 16), tenantID: tenant, sub: Subscription{EventTypes: types}}
	h.register <- c
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) > 0 }, time.Second, 5*time.Millisecond)
	return c
}

func TestShouldSend(t *testing.T) {
	tests := []struct {
		name   string
		client *Client
		event  *Event
		want   bool
	}{
		{"same tenant, no filter", &Client{tenantID: "acme"}, &Event{Type: "reservation.expired", TenantID: "acme"}, true},
		{"other tenant", &Client{tenantID: "acme"}, &Event{Type: "reservation.expired", TenantID: "globex"}, false},
		{"type listed", &Client{tenantID: "acme", sub: Subscription{EventTypes: []string{"decision.blocked"}}}, &Event{Type: "decision.blocked", TenantID: "acme"}, true},
		{"type not listed", &Client{tenantID: "acme", sub: Subscription{EventTypes: []string{"decision.blocked"}}}, &Event{Type: "reconciliation.overage", TenantID: "acme"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldSend(tt.client, tt.event))
		})
	}
}

func TestHub_StatsInitial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	c := addClient(t, h, "acme")
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	h.unregister <- c
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])
}

func TestHub_PublishIsTenantScoped(t *testing.T) {
	h := runHub(t)
	acme := addClient(t, h, "acme")
	globex := addClient(t, h, "globex")
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 2 }, time.Second, 5*time.Millisecond)

	require.True(t, h.Publish("reconciliation.overage", "acme", map[string]any{"decisionId": "d1"}))

	select {
	case msg := <-acme.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, "reconciliation.overage", ev.Type)
		assert.Equal(t, "acme", ev.TenantID)
	case <-time.After(time.Second):
		t.Fatal("acme client did not receive its event")
	}

	select {
	case <-globex.send:
		t.Fatal("globex client received another tenant's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_EventTypeFilter(t *testing.T) {
	h := runHub(t)
	c := addClient(t, h, "acme", "decision.blocked")

	h.Publish("reservation.expired", "acme", nil)
	h.Publish("decision.blocked", "acme", nil)

	select {
	case msg := <-c.send:
		assert.Contains(t, string(msg), `"decision.blocked"`)
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}
	assert.Empty(t, c.send)
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := runHub(t)
	c := &Client{hub: h, send: make(chan []byte), tenantID: "acme"} // unbuffered, never read
	h.register <- c
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 5*time.Millisecond)

	h.Publish("reservation.expired", "acme", nil)
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil), "acme")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandle_RequiresPrincipal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := runHub(t)
	r := gin.New()
	r.GET("/ws", h.Handle)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandle_WebSocketRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := runHub(t)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		auth.SetPrincipal(c, auth.Principal{TenantID: "acme", Subject: "ops", Role: auth.RoleViewer})
		c.Next()
	}, h.Handle)

	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []string{"decision.escalated"}}))
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 5*time.Millisecond)
	// let the read pump apply the subscription
	time.Sleep(50 * time.Millisecond)

	h.Publish("reservation.expired", "acme", nil)
	h.Publish("decision.escalated", "globex", nil)
	h.Publish("decision.escalated", "acme", map[string]any{"decisionId": "d9"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "decision.escalated", ev.Type)
	assert.Equal(t, "acme", ev.TenantID)
	assert.Equal(t, "d9", ev.Data.(map[string]any)["decisionId"])
}
