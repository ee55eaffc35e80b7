// Package control implements the runner control-channel WebSocket handler:
// registration handshake, heartbeat/status ingestion and the outbound
// command writer loop (spec §4.2), grounded on the original gateway's
// axum ws_handler/handle_runner (backend/src/gateway/ws.rs).
package control

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/time/rate"
	validator "gopkg.in/go-playground/validator.v8"

	"github.com/runnergateway/gateway/internal/gatewayerr"
	"github.com/runnergateway/gateway/internal/gwtypes"
	"github.com/runnergateway/gateway/internal/registry"
	"github.com/runnergateway/gateway/internal/wake"
	"github.com/runnergateway/gateway/internal/wire"
)

// registrationTimeout bounds how long a freshly-opened connection has to
// send its register frame before the gateway gives up on it.
const registrationTimeout = 10 * time.Second

// outboundBufferSize is the per-runner command channel depth; a slow or
// wedged runner fills it and then blocks command senders rather than the
// whole gateway.
const outboundBufferSize = 32

// heartbeatRate and heartbeatBurst bound how often a single runner's
// heartbeat/status_update frames are applied to the registry; a runner
// stuck in a reconnect-or-retry loop cannot flood registry writes.
const (
	heartbeatRate  = 5 // per second
	heartbeatBurst = 10
)

// validate checks the shape of a RunnerRegistration beyond what the wire
// package's JSON decoding already guarantees (non-empty names, sane ports).
var validate = validator.New(&validator.Config{TagName: "validate"})

type registrationPayload struct {
	RunnerID   string `validate:"required"`
	RunnerName string `validate:"required"`
	HTTPPort   uint16 `validate:"required"`
}

// Invalidator is notified whenever the connected-runner set changes, so the
// dispatcher's per-model batch-size cache can be dropped.
type Invalidator interface {
	InvalidateCache()
}

// Handler upgrades runner control-channel connections and runs each
// runner's registration and message loop.
type Handler struct {
	registry     *registry.Registry
	sharedSecret string
	invalidator  Invalidator
	upgrader     websocket.Upgrader
	log          logrus.FieldLogger
}

// New builds a control-channel Handler. invalidator may be nil if no
// dispatcher cache needs invalidating (e.g. in tests).
func New(reg *registry.Registry, sharedSecret string, invalidator Invalidator, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		registry:     reg,
		sharedSecret: sharedSecret,
		invalidator:  invalidator,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:          log,
	}
}

// ServeHTTP upgrades the connection and runs the runner session to
// completion; it never returns until the runner disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebsocketUpgrade(r) {
		http.Error(w, "expected websocket upgrade", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("control channel upgrade failed")
		return
	}
	defer conn.Close()

	h.log.WithField("remote_addr", r.RemoteAddr).Info("runner connection attempt")
	h.handleRunner(conn, r)
}

// isWebsocketUpgrade checks the Connection/Upgrade header tokens the way
// net/http's own server validates HTTP/2 upgrade requests, rather than
// relying solely on gorilla's internal (less precise) substring check.
func isWebsocketUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "Upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket")
}

func (h *Handler) handleRunner(conn *websocket.Conn, r *http.Request) {
	reg, err := h.awaitRegistration(conn)
	if err != nil {
		h.log.WithError(err).Warn("registration failed")
		return
	}

	log := h.log.WithFields(logrus.Fields{"runner_id": reg.RunnerID, "runner_name": reg.RunnerName})
	log.Info("runner registered")

	if err := sendMessage(conn, wire.RegisterAck{RunnerID: reg.RunnerID}); err != nil {
		log.WithError(err).Error("failed to send register_ack")
		return
	}

	send := make(chan gwtypes.OutboundMessage, outboundBufferSize)

	httpBaseURL := fmt.Sprintf("http://%s:%d", remoteHost(r), reg.HTTPPort)
	mac := resolveMAC(r.Context(), reg, remoteHost(r))

	h.registry.Register(reg.RunnerID, reg.RunnerName, reg.MachineType, reg.Status, httpBaseURL, mac, send)
	h.invalidate()

	done := make(chan struct{})
	var writeWG sync.WaitGroup
	writeWG.Add(1)
	go func() {
		defer writeWG.Done()
		h.writeLoop(conn, send, done, log)
	}()

	// send is only closed once writeLoop has actually returned (not merely
	// signaled to stop via done), so the writer never reads from a closed
	// channel mid-select (spec §4.2: "on either task's termination... the
	// send channel is closed").
	defer func() {
		h.registry.Unregister(reg.RunnerID)
		close(send)
		h.invalidate()
		log.Info("runner disconnected")
	}()

	limiter := rate.NewLimiter(rate.Limit(heartbeatRate), heartbeatBurst)
	h.readLoop(conn, reg.RunnerID, limiter, log)
	close(done)
	writeWG.Wait()
}

// awaitRegistration blocks for the first frame, enforcing the registration
// timeout, and validates it against the shared secret and protocol version.
func (h *Handler) awaitRegistration(conn *websocket.Conn) (*wire.RunnerRegistration, error) {
	conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	_, raw, err := conn.ReadMessage()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		sendMessage(conn, wire.ErrorMessage{Code: "timeout", Message: "registration timeout"})
		return nil, fmt.Errorf("control: awaiting registration: %w", err)
	}

	msg, err := wire.DecodeInbound(raw)
	if err != nil {
		sendMessage(conn, wire.ErrorMessage{Code: "protocol_error", Message: err.Error()})
		return nil, err
	}
	if msg.Type != wire.TypeRegister || msg.Registration == nil {
		sendMessage(conn, wire.ErrorMessage{Code: "protocol_error", Message: "expected register message"})
		return nil, fmt.Errorf("control: expected register, got %q", msg.Type)
	}

	if err := h.validateRegistration(msg.Registration); err != nil {
		code := string(gatewayerr.CodeAuthFailed)
		if c, ok := gatewayerr.GetCode(err); ok {
			code = string(c)
		}
		sendMessage(conn, wire.ErrorMessage{Code: code, Message: err.Error()})
		return nil, err
	}

	return msg.Registration, nil
}

func (h *Handler) validateRegistration(reg *wire.RunnerRegistration) error {
	if reg.AuthToken != h.sharedSecret {
		return gatewayerr.AuthFailed("invalid auth token")
	}
	if errs := validate.Struct(registrationPayload{
		RunnerID:   reg.RunnerID,
		RunnerName: reg.RunnerName,
		HTTPPort:   reg.HTTPPort,
	}); errs != nil {
		return gatewayerr.InvalidRequest(errs.Error())
	}

	wantVersion := semver.New(fmt.Sprintf("%d.0.0", wire.ProtocolVersion))
	gotVersion := semver.New(fmt.Sprintf("%d.0.0", reg.ProtocolVersion))
	if wantVersion.Compare(*gotVersion) != 0 {
		return gatewayerr.ProtocolError("protocol version mismatch: expected %d, got %d", wire.ProtocolVersion, reg.ProtocolVersion)
	}
	return nil
}

// writeLoop drains the per-runner outbound channel onto the socket until
// done is closed by the read loop's exit.
func (h *Handler) writeLoop(conn *websocket.Conn, send <-chan gwtypes.OutboundMessage, done <-chan struct{}, log logrus.FieldLogger) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-send:
			if !ok {
				return
			}
			if err := sendMessage(conn, msg); err != nil {
				log.WithError(err).Error("failed to write outbound message")
				return
			}
		}
	}
}

// readLoop processes heartbeat/status_update/command_response frames until
// the connection closes or errors. limiter caps how often heartbeat/
// status_update frames are actually applied to the registry; frames beyond
// the rate are read (to keep the socket draining) but dropped.
func (h *Handler) readLoop(conn *websocket.Conn, runnerID string, limiter *rate.Limiter, log logrus.FieldLogger) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("control channel read error")
			}
			return
		}

		msg, err := wire.DecodeInbound(raw)
		if err != nil {
			log.WithError(err).Warn("malformed control frame")
			continue
		}

		switch msg.Type {
		case wire.TypeHeartbeat, wire.TypeStatusUpdate:
			if msg.Status != nil && limiter.Allow() {
				h.registry.UpdateStatus(runnerID, *msg.Status)
			}
		case wire.TypeCommandResponse:
			if msg.CommandResp != nil && msg.CommandResp.Status != nil {
				h.registry.UpdateStatus(runnerID, *msg.CommandResp.Status)
			}
		case wire.TypeRegister:
			log.Warn("unexpected register message after registration")
		}
	}
}

func (h *Handler) invalidate() {
	if h.invalidator != nil {
		h.invalidator.InvalidateCache()
	}
}

func sendMessage(conn *websocket.Conn, m gwtypes.OutboundMessage) error {
	payload, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// resolveMAC prefers the registration-provided MAC, falling back to ARP
// discovery against the connection's source IP.
func resolveMAC(ctx context.Context, reg *wire.RunnerRegistration, host string) string {
	if reg.MACAddress != "" {
		return reg.MACAddress
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	mac, ok := wake.LookupMAC(lookupCtx, host)
	if !ok {
		return ""
	}
	return mac
}

// remoteHost strips the port from an http.Request's RemoteAddr.
func remoteHost(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
