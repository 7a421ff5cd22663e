package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/kvmgrid/broker/internal/auth"
	"github.com/kvmgrid/broker/internal/device"
	"github.com/kvmgrid/broker/internal/metrics"
)

type sessionExchangeRequest struct {
	DeviceID string          `json:"deviceId"`
	SD       json.RawMessage `json:"sd"`
}

// handleSessionExchange performs one offer/answer round trip over a
// registered device socket, bridging the synchronous HTTP call onto the
// asynchronous device stream.
//
// Exactly one of four events resolves the wait: the device's next message,
// the exchange timeout, the device socket dying, or the HTTP caller walking
// away. Teardown (timer, claim, lock) runs on every outcome via defers.
func (s *Server) handleSessionExchange(w http.ResponseWriter, r *http.Request) {
	var req sessionExchangeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.DeviceID == "" || len(req.SD) == 0 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "deviceId and sd are required")
		return
	}

	// Empty when absent; the identity decides whether that is acceptable.
	identityToken, _ := auth.BearerToken(r)
	authCtx, cancel := context.WithTimeout(r.Context(), s.authTimeout)
	err := s.identity.AuthorizeClient(authCtx, identityToken, req.DeviceID)
	cancel()
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	dev, ok := s.hub.Lookup(req.DeviceID)
	if !ok {
		s.metrics.Inc(metrics.BridgeRejectedNotFound)
		writeJSONError(w, http.StatusNotFound, "device_not_found", "device not connected")
		return
	}

	if !s.inflight.TryAcquire(req.DeviceID) {
		s.metrics.Inc(metrics.BridgeRejectedBusy)
		writeJSONError(w, http.StatusConflict, "device_busy", "device is mid-exchange")
		return
	}
	defer s.inflight.Release(req.DeviceID)

	claim, err := dev.Claim()
	if err != nil {
		s.metrics.Inc(metrics.BridgeRejectedBusy)
		writeJSONError(w, http.StatusConflict, "device_busy", "device is mid-exchange")
		return
	}
	defer claim.Release()

	log := s.log.With("exchange_id", uuid.NewString(), "device_id", req.DeviceID)

	offer := mustMarshal(Message{
		Type:               messageTypeOffer,
		SessionDescription: req.SD,
		SourceAddress:      device.SourceAddr(r),
		ICEServers:         s.iceServers,
		IdentityToken:      identityToken,
	})
	if err := dev.WriteText(offer); err != nil {
		s.metrics.Inc(metrics.BridgeExchangeGone)
		log.Warn("offer write failed", "err", err)
		writeJSONError(w, http.StatusBadGateway, "device_gone", "device connection lost")
		return
	}

	timer := s.clock.NewTimer(s.exchangeTimeout)
	defer timer.Stop()

	reply, err := awaitReply(r.Context(), claim, timer.C())
	switch {
	case err == nil:
		msg, perr := parseMessage(reply)
		if perr != nil || msg.Type != messageTypeAnswer {
			log.Warn("unexpected device reply", "err", perr, "type", string(msg.Type))
			writeJSONError(w, http.StatusBadGateway, "bad_device_reply", "device sent an unexpected reply")
			return
		}
		s.metrics.Inc(metrics.BridgeExchangeOK)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(reply)
	case errors.Is(err, ErrExchangeTimeout):
		s.metrics.Inc(metrics.BridgeExchangeTimeout)
		log.Warn("exchange timed out")
		writeJSONError(w, http.StatusGatewayTimeout, "timeout", "device did not reply in time")
	case errors.Is(err, ErrDeviceGone):
		s.metrics.Inc(metrics.BridgeExchangeGone)
		log.Warn("device lost mid-exchange", "err", err)
		writeJSONError(w, http.StatusBadGateway, "device_gone", "device connection lost")
	case errors.Is(err, ErrCallerAborted):
		// Nobody is listening for the response; cleanup still runs via defers.
		s.metrics.Inc(metrics.BridgeExchangeAborted)
		log.Info("caller aborted exchange")
	default:
		log.Error("exchange failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "exchange failed")
	}
}
