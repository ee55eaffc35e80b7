// Package adminstream implements the admin-facing duplex event stream
// (spec §4.9): message-based auth supporting credential refresh without
// dropping the connection, a one-shot state snapshot, then a live feed of
// registry events. Grounded on control.Handler's connection-lifecycle shape
// and wired onto the same registry/eventbus/persistence components.
package adminstream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/time/rate"

	"github.com/runnergateway/gateway/internal/eventbus"
	"github.com/runnergateway/gateway/internal/gwtypes"
	"github.com/runnergateway/gateway/internal/registry"
	"github.com/runnergateway/gateway/internal/wire"
)

const (
	authTimeout = 10 * time.Second
	pingPeriod  = 30 * time.Second

	// pingBurstRate/pingBurstSize cap how many pings, across every admin
	// session sharing a Handler, can go out per second. Every session's
	// ticker fires on the same 30s period, so a fleet of admin dashboards
	// connecting around the same moment would otherwise write pings in
	// lockstep; Wait naturally jitters each session's send against the
	// shared bucket instead.
	pingBurstRate = 20
	pingBurstSize = 20
)

// Authenticator validates an admin bearer token, returning ok=false for any
// non-admin or invalid token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (ok bool)
}

// PersistedLister supplies the persisted, possibly-offline runner records
// the snapshot merges in alongside connected ones.
type PersistedLister interface {
	ListPersisted(ctx context.Context) ([]gwtypes.PersistedRunner, error)
}

// Handler upgrades admin connections and runs the auth+stream session.
type Handler struct {
	registry    *registry.Registry
	auth        Authenticator
	persisted   PersistedLister
	upgrader    websocket.Upgrader
	log         logrus.FieldLogger
	pingLimiter *rate.Limiter
}

// New builds an admin-stream Handler. persisted may be nil, in which case
// the snapshot reports only currently-connected runners.
func New(reg *registry.Registry, auth Authenticator, persisted PersistedLister, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		registry:    reg,
		auth:        auth,
		persisted:   persisted,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:         log,
		pingLimiter: rate.NewLimiter(rate.Limit(pingBurstRate), pingBurstSize),
	}
}

// session is single-writer: only its own run goroutine ever calls send.
type session struct {
	ws  *websocket.Conn
	h   *Handler
	log logrus.FieldLogger
	sub *eventbus.Subscription
}

// ServeHTTP upgrades the connection and runs the admin session until it
// closes; mounted directly as a gin/net-http handler (see internal/httpapi).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !httpguts.HeaderValuesContainsToken(r.Header["Connection"], "Upgrade") ||
		!httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket") {
		http.Error(w, "expected websocket upgrade", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("admin stream upgrade failed")
		return
	}
	defer conn.Close()

	s := &session{ws: conn, h: h, log: h.log}
	s.run(r.Context())
}

func (s *session) run(ctx context.Context) {
	if !s.awaitInitialAuth() {
		return
	}

	if err := s.send(wire.AuthOK{}); err != nil {
		return
	}
	if err := s.sendSnapshot(ctx); err != nil {
		return
	}

	s.sub = s.h.registry.SubscribeEvents()
	defer s.sub.Close()

	done := make(chan struct{})
	reauth := make(chan wire.AdminAuth, 1)
	go s.readLoop(reauth, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	lagged := s.sub.Lagged
	for {
		select {
		case <-done:
			return
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			if err := s.publishEvent(ev); err != nil {
				return
			}
		case <-lagged:
			// Lagged is closed exactly once; nil it out so this case never
			// fires again (a closed channel is always select-ready).
			lagged = nil
			if err := s.sendSnapshot(ctx); err != nil {
				return
			}
		case auth := <-reauth:
			if !s.h.auth.Authenticate(ctx, auth.Token) {
				_ = s.send(wire.AuthError{Message: "authentication failed"})
				continue
			}
			_ = s.send(wire.AuthOK{})
		case <-ticker.C:
			if err := s.h.pingLimiter.Wait(ctx); err != nil {
				return
			}
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// awaitInitialAuth blocks for the first frame, requiring it to be a valid
// auth message within authTimeout. A frame that is not auth, or whose token
// is rejected, gets auth_error; a read error or timeout sends nothing. In
// every failure case the session closes.
func (s *session) awaitInitialAuth() bool {
	s.ws.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := s.ws.ReadMessage()
	s.ws.SetReadDeadline(time.Time{})
	if err != nil {
		return false
	}

	auth, err := wire.DecodeAdminAuth(raw)
	if err != nil || auth == nil {
		_ = s.send(wire.AuthError{Message: "expected auth message"})
		return false
	}

	if !s.h.auth.Authenticate(context.Background(), auth.Token) {
		_ = s.send(wire.AuthError{Message: "authentication failed"})
		return false
	}
	return true
}

// readLoop forwards every subsequent auth message to reauth and signals
// done on any read error or close frame (re-auth failures never close the
// session themselves, per spec §4.9).
func (s *session) readLoop(reauth chan<- wire.AdminAuth, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		auth, err := wire.DecodeAdminAuth(raw)
		if err != nil || auth == nil {
			continue
		}
		select {
		case reauth <- *auth:
		default:
		}
	}
}

func (s *session) publishEvent(ev gwtypes.RunnerEvent) error {
	switch ev.Kind {
	case gwtypes.EventConnected:
		if err := s.send(wire.RunnerConnected{ID: ev.ID, Name: ev.Name, MachineType: ev.MachineType, Health: string(ev.Health), LoadedModels: ev.LoadedModels}); err != nil {
			return err
		}
	case gwtypes.EventDisconnected:
		if err := s.send(wire.RunnerDisconnected{ID: ev.ID}); err != nil {
			return err
		}
	case gwtypes.EventStatusChanged:
		if err := s.send(wire.RunnerStatusChanged{ID: ev.ID, Health: string(ev.Health), LoadedModels: ev.LoadedModels}); err != nil {
			return err
		}
	}
	return s.send(wire.ModelsUpdated{Models: modelIDs(s.h.registry.AllModels())})
}

func (s *session) sendSnapshot(ctx context.Context) error {
	connected := s.h.registry.All()
	seen := make(map[string]bool, len(connected))
	views := make([]wire.RunnerView, 0, len(connected))
	for _, r := range connected {
		seen[r.ID] = true
		views = append(views, wire.RunnerView{
			ID:           r.ID,
			Name:         r.Name,
			MachineType:  r.MachineType,
			Health:       string(r.Status.Health),
			IsOnline:     true,
			LoadedModels: r.Status.LoadedModels(),
			LastSeenAt:   r.LastHeartbeat.Format(time.RFC3339),
		})
	}

	if s.h.persisted != nil {
		persisted, err := s.h.persisted.ListPersisted(ctx)
		if err == nil {
			for _, p := range persisted {
				if seen[p.ID] {
					continue
				}
				views = append(views, wire.RunnerView{
					ID:           p.ID,
					Name:         p.Name,
					MachineType:  p.MachineType,
					Health:       "Offline",
					IsOnline:     false,
					LoadedModels: p.AvailableModels,
					LastSeenAt:   p.LastSeenAt.Format(time.RFC3339),
				})
			}
		}
	}

	stats := map[string]interface{}{
		"connected_runners": s.h.registry.Count(),
	}

	return s.send(wire.StateSnapshot{Runners: views, Models: modelIDs(s.h.registry.AllModels()), Stats: stats})
}

func (s *session) send(m gwtypes.OutboundMessage) error {
	payload, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

func modelIDs(summaries []registry.ModelSummary) []string {
	out := make([]string, 0, len(summaries))
	for _, m := range summaries {
		out = append(out, m.ID)
	}
	return out
}
