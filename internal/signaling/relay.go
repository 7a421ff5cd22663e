package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kvmgrid/broker/internal/auth"
	"github.com/kvmgrid/broker/internal/device"
	"github.com/kvmgrid/broker/internal/metrics"
	"github.com/kvmgrid/broker/internal/ratelimit"
)

// handleClientSocket pairs a client WebSocket with a registered device and
// relays signaling traffic both ways until either side disconnects.
//
// All rejections happen before the upgrade completes: unauthorized, device
// not found, or device already mid-exchange.
func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		http.Error(w, "missing deviceId", http.StatusBadRequest)
		return
	}

	// Empty when absent; the identity decides whether that is acceptable.
	identityToken, _ := auth.BearerToken(r)
	authCtx, cancel := context.WithTimeout(r.Context(), s.authTimeout)
	err := s.identity.AuthorizeClient(authCtx, identityToken, deviceID)
	cancel()
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	dev, ok := s.hub.Lookup(deviceID)
	if !ok {
		s.metrics.Inc(metrics.RelayRejectedNotFound)
		http.Error(w, "device not connected", http.StatusNotFound)
		return
	}

	if !s.inflight.TryAcquire(deviceID) {
		s.metrics.Inc(metrics.RelayRejectedBusy)
		http.Error(w, "device is mid-exchange", http.StatusConflict)
		return
	}

	claim, err := dev.Claim()
	if err != nil {
		s.inflight.Release(deviceID)
		s.metrics.Inc(metrics.RelayRejectedBusy)
		http.Error(w, "device is mid-exchange", http.StatusConflict)
		return
	}

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		claim.Release()
		s.inflight.Release(deviceID)
		return
	}

	s.metrics.Inc(metrics.RelaySessionStarted)

	sess := &relaySession{
		log: s.log.With(
			"session_id", uuid.NewString(),
			"device_id", deviceID,
		),
		srv:           s,
		deviceID:      deviceID,
		dev:           dev,
		claim:         claim,
		client:        client,
		identityToken: identityToken,
		clientAddr:    device.SourceAddr(r),
		limiter:       ratelimit.NewTokenBucket(s.clock, int64(s.messagesPerSecond), int64(s.messagesPerSecond)),
	}
	sess.run()
}

type relaySession struct {
	log *slog.Logger
	srv *Server

	deviceID string
	dev      *device.Conn
	claim    *device.Claim
	client   *websocket.Conn

	identityToken string
	clientAddr    string
	limiter       *ratelimit.TokenBucket

	clientWriteMu sync.Mutex
	teardownOnce  sync.Once
}

func (rs *relaySession) run() {
	defer rs.teardown()

	rs.client.SetReadLimit(rs.srv.maxMessageBytes)
	rs.log.Info("relay session started", "client_addr", rs.clientAddr)

	// The client learns what it paired with before any signaling flows.
	if err := rs.sendToClient(mustMarshal(Message{
		Type:    messageTypeDeviceMetadata,
		Version: rs.dev.Version(),
	})); err != nil {
		return
	}

	go rs.deviceToClient()
	rs.clientToDevice()
}

// teardown restores the pre-session world: the device keeps its registration
// and regains an unclaimed inbound stream, and the in-flight lock clears.
// Runs on every exit path exactly once.
func (rs *relaySession) teardown() {
	rs.teardownOnce.Do(func() {
		rs.claim.Release()
		rs.srv.inflight.Release(rs.deviceID)
		_ = rs.client.Close()
		rs.log.Info("relay session ended")
	})
}

// clientToDevice reads client frames until the client goes away, forwarding
// offers (augmented) and ICE candidates, answering keep-alives locally, and
// dropping malformed frames without ending the session.
func (rs *relaySession) clientToDevice() {
	for {
		msgType, data, err := rs.client.ReadMessage()
		if err != nil {
			return
		}
		if !rs.limiter.Allow() {
			rs.srv.metrics.Inc(metrics.RelayRateLimited)
			rs.closeClient(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		// Keep-alive frames are answered here, never forwarded.
		if string(data) == "ping" {
			if err := rs.sendToClient([]byte("pong")); err != nil {
				return
			}
			continue
		}

		msg, err := parseMessage(data)
		if err != nil {
			rs.srv.metrics.Inc(metrics.RelayMessageDropped)
			rs.log.Warn("malformed client frame dropped", "err", err)
			continue
		}

		switch msg.Type {
		case messageTypeOffer:
			// The broker vouches for where the offer came from and how to reach
			// the STUN infrastructure; the session description passes untouched.
			msg.SourceAddress = rs.clientAddr
			msg.ICEServers = rs.srv.iceServers
			msg.IdentityToken = rs.identityToken
			if err := rs.dev.WriteText(mustMarshal(msg)); err != nil {
				rs.log.Warn("device write failed", "err", err)
				return
			}
		case messageTypeNewICECandidate:
			if err := rs.dev.WriteText(data); err != nil {
				rs.log.Warn("device write failed", "err", err)
				return
			}
		default:
			rs.srv.metrics.Inc(metrics.RelayMessageDropped)
			rs.log.Warn("unexpected client message dropped", "type", string(msg.Type))
		}
	}
}

// deviceToClient forwards answer and ICE candidate frames from the claimed
// device stream to the client. Device loss force-terminates the client.
func (rs *relaySession) deviceToClient() {
	for {
		select {
		case data := <-rs.claim.Messages():
			msg, err := parseMessage(data)
			if err != nil {
				rs.srv.metrics.Inc(metrics.RelayMessageDropped)
				rs.log.Warn("malformed device frame dropped", "err", err)
				continue
			}
			switch msg.Type {
			case messageTypeAnswer, messageTypeNewICECandidate:
				if err := rs.sendToClient(data); err != nil {
					rs.teardown()
					return
				}
			default:
				rs.srv.metrics.Inc(metrics.RelayMessageDropped)
				rs.log.Warn("unexpected device message dropped", "type", string(msg.Type))
			}
		case <-rs.claim.ConnClosed():
			rs.log.Info("device disconnected mid-session", "cause", rs.claim.Err())
			rs.closeClient(websocket.CloseGoingAway, "device disconnected")
			rs.teardown()
			return
		case <-rs.claim.Released():
			return
		}
	}
}

func (rs *relaySession) sendToClient(data []byte) error {
	rs.clientWriteMu.Lock()
	defer rs.clientWriteMu.Unlock()
	_ = rs.client.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return rs.client.WriteMessage(websocket.TextMessage, data)
}

func (rs *relaySession) closeClient(code int, reason string) {
	rs.clientWriteMu.Lock()
	defer rs.clientWriteMu.Unlock()
	_ = rs.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func mustMarshal(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		// Message contains only marshalable fields; this cannot fail.
		panic(err)
	}
	return data
}
