package device

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kvmgrid/broker/internal/auth"
	"github.com/kvmgrid/broker/internal/directory"
	"github.com/kvmgrid/broker/internal/metrics"
	"github.com/kvmgrid/broker/internal/registry"
)

const (
	DefaultPingInterval = 10 * time.Second

	// DefaultAuthTimeout bounds identity lookups during the socket handshake
	// so a slow identity backend cannot pin handler goroutines.
	DefaultAuthTimeout = 2 * time.Second
)

// HubConfig wires the hub's collaborators.
type HubConfig struct {
	Logger    *slog.Logger
	Identity  auth.Identity
	Directory directory.Directory
	Registry  *registry.Registry[*Conn]
	InFlight  *registry.InFlight
	Metrics   *metrics.Metrics

	// PingInterval is the liveness probe period. A probe cycle that completes
	// without a pong since the previous probe force-closes the connection.
	PingInterval time.Duration

	// AuthTimeout bounds the identity lookup during the handshake.
	AuthTimeout time.Duration
}

// Hub accepts device socket upgrades and keeps the registry current.
type Hub struct {
	log       *slog.Logger
	identity  auth.Identity
	directory directory.Directory
	registry  *registry.Registry[*Conn]
	inflight  *registry.InFlight
	metrics   *metrics.Metrics

	pingInterval time.Duration
	authTimeout  time.Duration
	upgrader     websocket.Upgrader
}

func NewHub(cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	authTimeout := cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	return &Hub{
		log:          log,
		identity:     cfg.Identity,
		directory:    cfg.Directory,
		registry:     cfg.Registry,
		inflight:     cfg.InFlight,
		metrics:      cfg.Metrics,
		pingInterval: pingInterval,
		authTimeout:  authTimeout,
		upgrader: websocket.Upgrader{
			// Devices are not browsers; the Origin header carries no signal here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/device", h.handleDeviceSocket)
}

// Lookup returns the live connection for deviceID, if any.
func (h *Hub) Lookup(deviceID string) (*Conn, bool) {
	return h.registry.Lookup(deviceID)
}

// Drop force-closes and deregisters deviceID's connection. The device
// directory calls this when a device record is deleted.
func (h *Hub) Drop(deviceID string) bool {
	conn, ok := h.registry.Lookup(deviceID)
	if !ok {
		return false
	}
	conn.closeWithErr(errDeleted, websocket.CloseGoingAway, "device deleted")
	return true
}

// Close force-closes every registered device connection. Used on shutdown.
func (h *Hub) Close() {
	for _, conn := range h.registry.Snapshot() {
		conn.closeWithErr(ErrConnClosed, websocket.CloseGoingAway, "broker shutting down")
	}
}

// handleDeviceSocket authenticates and registers one device connection.
//
// Rejections happen before the upgrade completes, so a rejected device never
// observes a WebSocket handshake.
func (h *Hub) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r)
	if err != nil {
		h.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	claimedID := r.URL.Query().Get("id")
	if claimedID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}

	authCtx, cancel := context.WithTimeout(r.Context(), h.authTimeout)
	resolvedID, err := h.identity.DeviceIDForToken(authCtx, token)
	cancel()
	if err != nil || resolvedID != claimedID {
		h.metrics.Inc(metrics.AuthFailure)
		h.log.Warn("device auth rejected",
			"claimed_id", claimedID,
			"remote_addr", r.RemoteAddr,
			"err", err,
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// A device mid-exchange may not re-register; the exchange owns it.
	if h.inflight.Contains(claimedID) {
		h.metrics.Inc(metrics.DeviceRejectedBusy)
		http.Error(w, "device is mid-exchange", http.StatusConflict)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newConn(claimedID, ws, SourceAddr(r), r.URL.Query().Get("version"))

	prev, displaced := h.registry.Register(claimedID, conn)
	if displaced {
		// A reconnecting device wins over its zombie predecessor.
		h.metrics.Inc(metrics.DeviceDisplaced)
		prev.closeWithErr(errDisplaced, websocket.ClosePolicyViolation, "superseded by new connection")
	}
	h.metrics.Inc(metrics.DeviceRegistered)
	h.log.Info("device connected",
		"device_id", claimedID,
		"remote_addr", conn.RemoteAddr(),
		"version", conn.Version(),
		"displaced", displaced,
	)

	go h.livenessLoop(conn)
	go h.readPump(conn)
}

// readPump drains inbound frames for the connection's lifetime and runs
// teardown exactly once when the socket dies.
func (h *Hub) readPump(conn *Conn) {
	defer h.teardown(conn)

	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			conn.closeWithErr(err, websocket.CloseAbnormalClosure, "")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !conn.deliver(data) {
			h.log.Debug("unsolicited device frame dropped", "device_id", conn.ID())
		}
	}
}

// livenessLoop probes the device on a fixed interval. A cycle that passes
// without a pong since the previous probe means the socket is half-open;
// force-close it so teardown runs.
func (h *Hub) livenessLoop(conn *Conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	awaitingPong := false
	for {
		select {
		case <-ticker.C:
			if awaitingPong && !conn.pongSeen.Load() {
				h.metrics.Inc(metrics.DeviceLivenessTimeout)
				h.log.Warn("device liveness timeout", "device_id", conn.ID())
				conn.closeWithErr(errLivenessTimeout, websocket.ClosePolicyViolation, "liveness timeout")
				return
			}
			conn.pongSeen.Store(false)
			if err := conn.writePing(); err != nil {
				conn.closeWithErr(err, websocket.CloseAbnormalClosure, "")
				return
			}
			awaitingPong = true
		case <-conn.Closed():
			return
		}
	}
}

func (h *Hub) teardown(conn *Conn) {
	removed := h.registry.Remove(conn.ID(), conn)
	h.metrics.Inc(metrics.DeviceDisconnected)

	cause := conn.CloseErr()
	h.log.Info("device disconnected",
		"device_id", conn.ID(),
		"removed_from_registry", removed,
		"cause", closeCause(cause),
	)

	if h.directory != nil {
		if err := h.directory.TouchLastSeen(context.Background(), conn.ID(), time.Now()); err != nil {
			h.log.Warn("failed to persist last seen", "device_id", conn.ID(), "err", err)
		}
	}
}

func closeCause(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, errLivenessTimeout):
		return "liveness_timeout"
	case errors.Is(err, errDisplaced):
		return "displaced"
	case errors.Is(err, errDeleted):
		return "deleted"
	default:
		return err.Error()
	}
}
