package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/kvmgrid/broker/internal/auth"
	"github.com/kvmgrid/broker/internal/device"
	"github.com/kvmgrid/broker/internal/metrics"
	"github.com/kvmgrid/broker/internal/ratelimit"
	"github.com/kvmgrid/broker/internal/registry"
)

const (
	wsWriteWait = 1 * time.Second

	DefaultExchangeTimeout = 15 * time.Second
	DefaultAuthTimeout     = 2 * time.Second

	defaultMaxMessageBytes   = 64 * 1024
	defaultMessagesPerSecond = 50
)

// Config wires the signaling surface's runtime dependencies.
type Config struct {
	Logger   *slog.Logger
	Hub      *device.Hub
	InFlight *registry.InFlight
	Identity auth.Identity
	Metrics  *metrics.Metrics

	// ICEServers is the client-facing ICE list attached to forwarded offers.
	// Expected to be pre-filtered (no turns: entries).
	ICEServers []webrtc.ICEServer

	// ExchangeTimeout bounds the one-shot session bridge round trip.
	ExchangeTimeout time.Duration

	// AuthTimeout bounds client authorization lookups.
	AuthTimeout time.Duration

	// Clock is injectable so the exchange timeout is deterministic in tests.
	Clock ratelimit.Clock

	// Inbound client socket hardening.
	MaxMessageBytes   int64
	MessagesPerSecond int
}

// Server exposes the client side of the broker: the paired relay WebSocket
// and the one-shot HTTP session exchange.
type Server struct {
	log      *slog.Logger
	hub      *device.Hub
	inflight *registry.InFlight
	identity auth.Identity
	metrics  *metrics.Metrics

	iceServers      []webrtc.ICEServer
	exchangeTimeout time.Duration
	authTimeout     time.Duration
	clock           ratelimit.Clock

	maxMessageBytes   int64
	messagesPerSecond int

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	exchangeTimeout := cfg.ExchangeTimeout
	if exchangeTimeout <= 0 {
		exchangeTimeout = DefaultExchangeTimeout
	}
	authTimeout := cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	messagesPerSecond := cfg.MessagesPerSecond
	if messagesPerSecond <= 0 {
		messagesPerSecond = defaultMessagesPerSecond
	}
	return &Server{
		log:               log,
		hub:               cfg.Hub,
		inflight:          cfg.InFlight,
		identity:          cfg.Identity,
		metrics:           cfg.Metrics,
		iceServers:        cfg.ICEServers,
		exchangeTimeout:   exchangeTimeout,
		authTimeout:       authTimeout,
		clock:             clock,
		maxMessageBytes:   maxMessageBytes,
		messagesPerSecond: messagesPerSecond,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/client", s.handleClientSocket)
	mux.HandleFunc("POST /webrtc/session", s.handleSessionExchange)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
