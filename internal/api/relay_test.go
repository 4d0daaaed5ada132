//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/study-federation/internal/events"
	"github.com/ashureev/study-federation/internal/kv"
	"github.com/ashureev/study-federation/internal/relay"
)

func newRelayServer(t *testing.T) (*httptest.Server, *relay.Hub) {
	t.Helper()
	hub := relay.NewHub(8, nil)
	srv := httptest.NewServer(NewRouter(hub, []string{"*"}, nil))
	t.Cleanup(srv.Close)
	return srv, hub
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv, _ := newRelayServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPublish(t *testing.T) {
	srv, hub := newRelayServer(t)
	hub.Drain("module")

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"valid event", "/athro-selections_updated", `{"athroIds":["athro-maths"],"source":"host","timestamp":1}`, http.StatusAccepted},
		{"dotted name accepted", "/athro.confidence_updated", `{"athroId":"athro-maths","level":"LOW"}`, http.StatusAccepted},
		{"unknown event", "/athro-deleted_everything", `{}`, http.StatusNotFound},
		{"invalid payload", "/athro-selections_updated", `{"athroIds":[]}`, http.StatusBadRequest},
		{"malformed json", "/auth-state_changed", `{"userId":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}

	got := hub.Drain("module")
	require.Len(t, got, 2)
	assert.Equal(t, "athro-selections_updated", got[0].Name)
	assert.Equal(t, "athro-confidence_updated", got[1].Name)
	assert.Equal(t, "host", got[0].Payload["source"])
}

func TestPublish_TooLarge(t *testing.T) {
	srv, _ := newRelayServer(t)
	big := `{"userId":"` + strings.Repeat("a", maxRequestBodySize) + `"}`

	resp := post(t, srv.URL+"/auth-state_changed", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestPoll(t *testing.T) {
	srv, hub := newRelayServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/events/module")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var first []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	assert.NotNil(t, first, "empty inbox is [] not null")
	assert.Empty(t, first)
	assert.Equal(t, []string{"module"}, hub.Instances())

	hub.Publish(relay.WireEvent{Name: "auth-state_changed", Payload: map[string]any{"userId": "u1"}})

	resp2, err := http.Get(srv.URL + "/api/v1/events/module")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var second []relay.WireEvent
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&second))
	require.Len(t, second, 1)
	assert.Equal(t, "u1", second[0].Payload["userId"])
}

func TestPoll_InvalidInstance(t *testing.T) {
	srv, _ := newRelayServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/events/" + strings.Repeat("x", 65))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_InboxDropsOldest(t *testing.T) {
	hub := relay.NewHub(2, nil)
	hub.Drain("module")
	for _, id := range []string{"u1", "u2", "u3"} {
		hub.Publish(relay.WireEvent{Name: "auth-state_changed", Payload: map[string]any{"userId": id}})
	}

	got := hub.Drain("module")
	require.Len(t, got, 2)
	assert.Equal(t, "u2", got[0].Payload["userId"])
	assert.Equal(t, "u3", got[1].Payload["userId"])
}

func TestHub_SlowStreamFallsBackToInbox(t *testing.T) {
	hub := relay.NewHub(8, nil)
	backlog, ch, cancel := hub.Subscribe("module", 1)
	defer cancel()
	require.Empty(t, backlog)

	for _, id := range []string{"u1", "u2", "u3"} {
		hub.Publish(relay.WireEvent{Name: "auth-state_changed", Payload: map[string]any{"userId": id}})
	}

	first, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "u1", first.Payload["userId"])
	_, ok = <-ch
	assert.False(t, ok, "a stream that fell behind is closed")

	got := hub.Drain("module")
	require.Len(t, got, 2)
	assert.Equal(t, "u2", got[0].Payload["userId"])
	assert.Equal(t, "u3", got[1].Payload["userId"])
}

func newClient(t *testing.T, baseURL, instance string, push bool) *relay.Client {
	t.Helper()
	cfg := relay.DefaultClientConfig()
	cfg.BaseURL = baseURL
	cfg.Instance = instance
	cfg.PollInterval = 20 * time.Millisecond
	cfg.PushEnabled = push
	c := relay.NewClient(context.Background(), cfg, kv.NewMemoryBackend().Open(instance), nil)
	require.True(t, c.Available())
	t.Cleanup(c.Close)
	return c
}

func TestRelay_EndToEndPolling(t *testing.T) {
	srv, _ := newRelayServer(t)
	host := newClient(t, srv.URL, "host", false)
	module := newClient(t, srv.URL, "module", false)

	var hostGot, moduleGot atomic.Int32
	host.Subscribe(events.AthroSelectionsUpdated, func(events.Payload) { hostGot.Add(1) })
	module.Subscribe(events.AthroSelectionsUpdated, func(events.Payload) { moduleGot.Add(1) })

	ctx := context.Background()
	require.NoError(t, host.Poll(ctx))
	require.NoError(t, module.Poll(ctx))

	host.PublishEvent(ctx, &events.SelectionsUpdatedPayload{AthroIDs: []string{"athro-maths"}})

	require.NoError(t, host.Poll(ctx))
	require.NoError(t, module.Poll(ctx))
	assert.Zero(t, hostGot.Load(), "own event is not echoed back")
	assert.EqualValues(t, 1, moduleGot.Load())
}

func TestRelay_EndToEndPush(t *testing.T) {
	srv, hub := newRelayServer(t)
	host := newClient(t, srv.URL, "host", false)
	module := newClient(t, srv.URL, "module", true)

	got := make(chan events.Payload, 1)
	module.Subscribe(events.AuthUserChanged, func(p events.Payload) { got <- p })
	module.Start(context.Background())

	require.Eventually(t, func() bool {
		for _, name := range hub.Instances() {
			if name == "module" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	host.PublishEvent(context.Background(), &events.AuthUserChangedPayload{PreviousUserID: "u1", UserID: "u2"})

	select {
	case p := <-got:
		assert.Equal(t, "u2", p.(*events.AuthUserChangedPayload).UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not pushed to module")
	}
}
