package adminstream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnergateway/gateway/internal/eventbus"
	"github.com/runnergateway/gateway/internal/gwtypes"
	"github.com/runnergateway/gateway/internal/registry"
)

type fixedAuth struct{ valid string }

func (f fixedAuth) Authenticate(_ context.Context, token string) bool { return token == f.valid }

type fakePersisted struct{ runners []gwtypes.PersistedRunner }

func (f fakePersisted) ListPersisted(_ context.Context) ([]gwtypes.PersistedRunner, error) {
	return f.runners, nil
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func wsURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http")
}

func authFrame(t *testing.T, token string) []byte {
	t.Helper()
	payload, err := json.Marshal(struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}{Type: "auth", Token: token})
	require.NoError(t, err)
	return payload
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestAuthSucceedsAndSendsSnapshot(t *testing.T) {
	reg := registry.New(eventbus.New())
	h := New(reg, fixedAuth{valid: "good-token"}, nil, testLogger())

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authFrame(t, "good-token")))

	ack := readJSON(t, conn)
	assert.Equal(t, "auth_ok", ack["type"])

	snapshot := readJSON(t, conn)
	assert.Equal(t, "state_snapshot", snapshot["type"])
	assert.Contains(t, snapshot, "runners")
	assert.Contains(t, snapshot, "models")
}

func TestAuthFailureClosesSession(t *testing.T) {
	reg := registry.New(eventbus.New())
	h := New(reg, fixedAuth{valid: "good-token"}, nil, testLogger())

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authFrame(t, "wrong-token")))

	errMsg := readJSON(t, conn)
	assert.Equal(t, "auth_error", errMsg["type"])

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "session should close after a failed initial auth")
}

func TestSnapshotMergesPersistedOfflineRunners(t *testing.T) {
	reg := registry.New(eventbus.New())
	send := make(chan gwtypes.OutboundMessage, 1)
	reg.Register("online-1", "Online", "", gwtypes.RunnerStatus{Health: gwtypes.HealthHealthy}, "", "", send)

	persisted := fakePersisted{runners: []gwtypes.PersistedRunner{
		{ID: "online-1", Name: "Online", LastSeenAt: time.Now()},
		{ID: "offline-1", Name: "Offline", LastSeenAt: time.Now()},
	}}
	h := New(reg, fixedAuth{valid: "good-token"}, persisted, testLogger())

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authFrame(t, "good-token")))
	readJSON(t, conn) // auth_ok
	snapshot := readJSON(t, conn)

	runners, ok := snapshot["runners"].([]interface{})
	require.True(t, ok)
	require.Len(t, runners, 2, "online-1 should not be duplicated from the persisted list")

	var sawOffline bool
	for _, r := range runners {
		entry := r.(map[string]interface{})
		if entry["id"] == "offline-1" {
			sawOffline = true
			assert.Equal(t, false, entry["is_online"])
		}
	}
	assert.True(t, sawOffline)
}

func TestReauthFailureDoesNotCloseSession(t *testing.T) {
	reg := registry.New(eventbus.New())
	h := New(reg, fixedAuth{valid: "good-token"}, nil, testLogger())

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authFrame(t, "good-token")))
	readJSON(t, conn) // auth_ok
	readJSON(t, conn) // state_snapshot

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authFrame(t, "stale-token")))
	reauthErr := readJSON(t, conn)
	assert.Equal(t, "auth_error", reauthErr["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authFrame(t, "good-token")))
	reauthOK := readJSON(t, conn)
	assert.Equal(t, "auth_ok", reauthOK["type"])
}

func TestRunnerConnectedEventStreamsToAdmin(t *testing.T) {
	bus := eventbus.New()
	reg := registry.New(bus)
	h := New(reg, fixedAuth{valid: "good-token"}, nil, testLogger())

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authFrame(t, "good-token")))
	readJSON(t, conn) // auth_ok
	readJSON(t, conn) // state_snapshot

	// The session subscribes to the bus right after writing the snapshot;
	// give its goroutine a moment to reach that point before publishing.
	time.Sleep(50 * time.Millisecond)

	send := make(chan gwtypes.OutboundMessage, 1)
	reg.Register("runner-1", "Runner One", "gpu", gwtypes.RunnerStatus{Health: gwtypes.HealthHealthy}, "", "", send)

	connected := readJSON(t, conn)
	assert.Equal(t, "runner_connected", connected["type"])
	assert.Equal(t, "runner-1", connected["id"])

	modelsUpdated := readJSON(t, conn)
	assert.Equal(t, "models_updated", modelsUpdated["type"])
}

func TestNonUpgradeRequestRejected(t *testing.T) {
	reg := registry.New(eventbus.New())
	h := New(reg, fixedAuth{valid: "good-token"}, nil, testLogger())

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}
