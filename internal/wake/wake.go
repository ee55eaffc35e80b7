package wake

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/runnergateway/gateway/internal/gatewayerr"
	"github.com/runnergateway/gateway/internal/gwtypes"
	"github.com/runnergateway/gateway/internal/metrics"
)

// DefaultPort is the UDP port magic packets are sent to when none is
// configured (spec §4.8: "default port 9").
const DefaultPort = 9

// Result is the outcome of a wake attempt.
type Result struct {
	Success bool
	Message string
}

// RunnerLookup is the subset of the registry/store the wake subsystem
// needs: the connected record (if any) and the persisted offline record.
type RunnerLookup interface {
	Get(id string) (gwtypes.Runner, bool)
	GetPersisted(ctx context.Context, id string) (gwtypes.PersistedRunner, bool, error)
}

// Config carries the broadcast/bouncer addresses used to emit packets.
type Config struct {
	BroadcastAddr string // host only, no port — the port comes from BroadcastPort
	BroadcastPort int    // DefaultPort when zero
	BouncerAddr   string // non-empty enables the TCP bouncer relay instead of UDP broadcast
}

// Waker implements the wake(runner_id) -> WakeResult operation (spec §4.8).
type Waker struct {
	lookup RunnerLookup
	cfg    Config
}

// New returns a Waker using lookup for MAC resolution and cfg for targets.
func New(lookup RunnerLookup, cfg Config) *Waker {
	if cfg.BroadcastPort == 0 {
		cfg.BroadcastPort = DefaultPort
	}
	return &Waker{lookup: lookup, cfg: cfg}
}

// Wake attempts to wake runnerID.
func (w *Waker) Wake(ctx context.Context, runnerID string) (Result, error) {
	result, err := w.wake(ctx, runnerID)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.WakeAttempts.WithLabelValues(outcome).Inc()
	return result, err
}

func (w *Waker) wake(ctx context.Context, runnerID string) (Result, error) {
	if runner, ok := w.lookup.Get(runnerID); ok && runner.IsOperational() {
		return Result{Success: true, Message: "already online"}, nil
	}

	mac, err := w.resolveMAC(ctx, runnerID)
	if err != nil {
		return Result{}, err
	}
	if mac == "" {
		return Result{}, gatewayerr.InvalidRequest("no MAC configured for runner %q", runnerID)
	}

	parsed, err := ParseMAC(mac)
	if err != nil {
		return Result{}, err
	}

	if w.cfg.BouncerAddr != "" {
		if err := w.sendViaBouncer(ctx, mac); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Message: fmt.Sprintf("sent via bouncer to %s", w.cfg.BouncerAddr)}, nil
	}

	if err := w.sendUDP(parsed); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Message: fmt.Sprintf("magic packet sent to %s", w.cfg.BroadcastAddr)}, nil
}

// resolveMAC prefers the connected record's MAC, else the persisted
// offline record's (spec §4.8 step 2).
func (w *Waker) resolveMAC(ctx context.Context, runnerID string) (string, error) {
	if runner, ok := w.lookup.Get(runnerID); ok && runner.MAC != "" {
		return runner.MAC, nil
	}
	persisted, ok, err := w.lookup.GetPersisted(ctx, runnerID)
	if err != nil {
		return "", gatewayerr.New(gatewayerr.CodeWakeFailed, "reading persisted runner %q: %v", runnerID, err)
	}
	if !ok {
		return "", nil
	}
	return persisted.MAC, nil
}

// sendUDP builds and broadcasts the magic packet over a freshly bound
// ephemeral socket (spec §4.8 step 4, "otherwise" branch).
func (w *Waker) sendUDP(mac MAC) error {
	packet := BuildMagicPacket(mac)

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return gatewayerr.WakeFailed("binding broadcast socket: %v", err)
	}
	defer conn.Close()

	if pc, ok := conn.(*net.UDPConn); ok {
		if rawErr := setBroadcast(pc); rawErr != nil {
			return gatewayerr.WakeFailed("enabling broadcast: %v", rawErr)
		}
	}

	dest := fmt.Sprintf("%s:%d", w.cfg.BroadcastAddr, w.cfg.BroadcastPort)
	destAddr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return gatewayerr.WakeFailed("resolving broadcast address %q: %v", dest, err)
	}

	if _, err := conn.WriteTo(packet[:], destAddr); err != nil {
		return gatewayerr.WakeFailed("sending magic packet: %v", err)
	}
	return nil
}

// sendViaBouncer connects to the configured bouncer over TCP and writes the
// MAC followed by a newline (spec §4.8 step 4, bouncer branch).
func (w *Waker) sendViaBouncer(ctx context.Context, mac string) error {
	addr := strings.TrimPrefix(strings.TrimPrefix(w.cfg.BouncerAddr, "tcp://"), "http://")

	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return gatewayerr.WakeFailed("connecting to bouncer %q: %v", addr, err)
	}
	defer conn.Close()

	w2 := bufio.NewWriter(conn)
	if _, err := fmt.Fprintf(w2, "%s\n", mac); err != nil {
		return gatewayerr.WakeFailed("writing to bouncer %q: %v", addr, err)
	}
	return w2.Flush()
}
