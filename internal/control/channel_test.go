package control

import (
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
	"github.com/runnergateway/gateway/internal/wire"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func wsURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	header := make(map[string][]string)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	return conn
}

func TestRegistrationSucceeds(t *testing.T) {
	reg := registry.New(eventbus.New())
	h := New(reg, "secret", nil, testLogger())

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, wsURL(srv.URL))
	defer conn.Close()

	regMsg := wire.RunnerRegistration{
		RunnerID:        "runner-1",
		RunnerName:      "Test Runner",
		HTTPPort:        8080,
		ProtocolVersion: wire.ProtocolVersion,
		AuthToken:       "secret",
		Status:          gwtypes.RunnerStatus{Health: gwtypes.HealthHealthy},
	}
	payload, err := registrationFrame(regMsg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"register_ack"`)

	require.Eventually(t, func() bool {
		_, ok := reg.Get("runner-1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestRegistrationRejectsBadSecret(t *testing.T) {
	reg := registry.New(eventbus.New())
	h := New(reg, "secret", nil, testLogger())

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, wsURL(srv.URL))
	defer conn.Close()

	regMsg := wire.RunnerRegistration{
		RunnerID:        "runner-1",
		RunnerName:      "Test Runner",
		HTTPPort:        8080,
		ProtocolVersion: wire.ProtocolVersion,
		AuthToken:       "wrong-secret",
		Status:          gwtypes.RunnerStatus{Health: gwtypes.HealthHealthy},
	}
	payload, err := registrationFrame(regMsg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "auth_failed")

	_, ok := reg.Get("runner-1")
	assert.False(t, ok)
}

func TestRegistrationRejectsProtocolMismatch(t *testing.T) {
	reg := registry.New(eventbus.New())
	h := New(reg, "secret", nil, testLogger())

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, wsURL(srv.URL))
	defer conn.Close()

	regMsg := wire.RunnerRegistration{
		RunnerID:        "runner-1",
		RunnerName:      "Test Runner",
		HTTPPort:        8080,
		ProtocolVersion: wire.ProtocolVersion + 1,
		AuthToken:       "secret",
		Status:          gwtypes.RunnerStatus{Health: gwtypes.HealthHealthy},
	}
	payload, err := registrationFrame(regMsg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "protocol_error")
}

func TestNonUpgradeRequestRejected(t *testing.T) {
	reg := registry.New(eventbus.New())
	h := New(reg, "secret", nil, testLogger())

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

// registrationFrame marshals a RunnerRegistration with its "register" type
// discriminator, mirroring what a real runner client sends.
func registrationFrame(reg wire.RunnerRegistration) ([]byte, error) {
	return wire.Encode(taggedRegistration{Type: wire.TypeRegister, RunnerRegistration: reg})
}

type taggedRegistration struct {
	Type string `json:"type"`
	wire.RunnerRegistration
}

func (taggedRegistration) MessageType() string { return wire.TypeRegister }
