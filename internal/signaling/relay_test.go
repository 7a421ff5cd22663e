package signaling

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
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
	testDeviceToken = "tok-cam"
	testDeviceID    = "cam-1"
	testAPIKey      = "api-key"
)

var testICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.example.org:3478"}},
}

type sigHarness struct {
	hub      *device.Hub
	inflight *registry.InFlight
	metrics  *metrics.Metrics
	srv      *httptest.Server
}

// newSigHarness stands up the full client-facing surface: device hub plus
// signaling server on one mux, the way main wires them.
func newSigHarness(t *testing.T, clock ratelimit.Clock) *sigHarness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	identity := auth.StaticIdentity{
		DeviceTokens: map[string]string{testDeviceToken: testDeviceID},
		ClientAPIKey: testAPIKey,
	}
	reg := registry.New[*device.Conn]()
	inflight := registry.NewInFlight()
	m := metrics.New()

	hub := device.NewHub(device.HubConfig{
		Logger:       log,
		Identity:     identity,
		Registry:     reg,
		InFlight:     inflight,
		Metrics:      m,
		PingInterval: time.Minute,
	})
	sig := NewServer(Config{
		Logger:     log,
		Hub:        hub,
		InFlight:   inflight,
		Identity:   identity,
		Metrics:    m,
		ICEServers: testICEServers,
		Clock:      clock,
	})

	mux := http.NewServeMux()
	hub.RegisterRoutes(mux)
	sig.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	return &sigHarness{hub: hub, inflight: inflight, metrics: m, srv: srv}
}

func (h *sigHarness) wsBase() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

// connectDevice dials and waits until the hub has the device registered.
func (h *sigHarness) connectDevice(t *testing.T) *websocket.Conn {
	t.Helper()
	ws := dialWS(t, h.wsBase()+"/ws/device?id="+testDeviceID+"&token="+testDeviceToken+"&version=2.1.0")
	waitFor(t, "device registration", func() bool {
		_, ok := h.hub.Lookup(testDeviceID)
		return ok
	})
	return ws
}

func (h *sigHarness) connectClient(t *testing.T) *websocket.Conn {
	t.Helper()
	return dialWS(t, h.wsBase()+"/ws/client?deviceId="+testDeviceID+"&token="+testAPIKey)
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return data
}

func writeText(t *testing.T, ws *websocket.Conn, data string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testWriter routes slog output through t.Log so failures carry broker logs.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// fakeClock hands out manually fired timers. Now is frozen, which also keeps
// the relay token bucket from refilling mid-test.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(time.Duration) ratelimit.Timer {
	ft := &fakeTimer{ch: make(chan time.Time, 1)}
	c.mu.Lock()
	c.timers = append(c.timers, ft)
	c.mu.Unlock()
	return ft
}

// waitTimer blocks until a handler has armed a timer, then returns it.
func (c *fakeClock) waitTimer(t *testing.T) *fakeTimer {
	t.Helper()
	var ft *fakeTimer
	waitFor(t, "a timer to be armed", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.timers) == 0 {
			return false
		}
		ft = c.timers[0]
		return true
	})
	return ft
}

type fakeTimer struct {
	ch chan time.Time
}

func (ft *fakeTimer) C() <-chan time.Time { return ft.ch }
func (ft *fakeTimer) Stop() bool          { return true }

func (ft *fakeTimer) fire() {
	ft.ch <- time.Unix(1700000001, 0)
}

func TestRelay_SendsDeviceMetadataFirst(t *testing.T) {
	h := newSigHarness(t, nil)
	devWS := h.connectDevice(t)
	defer devWS.Close()

	client := h.connectClient(t)
	defer client.Close()

	msg, err := parseMessage(readText(t, client))
	if err != nil {
		t.Fatalf("first client frame: %v", err)
	}
	if msg.Type != messageTypeDeviceMetadata {
		t.Fatalf("first frame type=%q, want deviceMetadata", msg.Type)
	}
	if msg.Version != "2.1.0" {
		t.Fatalf("version=%q, want 2.1.0", msg.Version)
	}
	if !h.inflight.Contains(testDeviceID) {
		t.Fatal("relay session running without the in-flight lock")
	}
}

func TestRelay_RejectionsBeforeHandshake(t *testing.T) {
	h := newSigHarness(t, nil)
	devWS := h.connectDevice(t)
	defer devWS.Close()

	if !h.inflight.TryAcquire("other-dev") {
		t.Fatal("TryAcquire failed")
	}
	defer h.inflight.Release("other-dev")

	tests := []struct {
		name       string
		url        string
		wantStatus int
	}{
		{name: "missing deviceId", url: h.wsBase() + "/ws/client?token=" + testAPIKey, wantStatus: http.StatusBadRequest},
		{name: "missing token", url: h.wsBase() + "/ws/client?deviceId=" + testDeviceID, wantStatus: http.StatusUnauthorized},
		{name: "bad token", url: h.wsBase() + "/ws/client?deviceId=" + testDeviceID + "&token=wrong", wantStatus: http.StatusUnauthorized},
		{name: "device not connected", url: h.wsBase() + "/ws/client?deviceId=ghost&token=" + testAPIKey, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tt.url, nil)
			if err != websocket.ErrBadHandshake {
				t.Fatalf("Dial err=%v, want ErrBadHandshake", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status=%d, want %d", resp.StatusCode, tt.wantStatus)
			}
			resp.Body.Close()
		})
	}
}

func TestRelay_RejectsSecondClientWhileBusy(t *testing.T) {
	h := newSigHarness(t, nil)
	devWS := h.connectDevice(t)
	defer devWS.Close()

	first := h.connectClient(t)
	defer first.Close()
	readText(t, first) // deviceMetadata; session is established

	_, resp, err := websocket.DefaultDialer.Dial(h.wsBase()+"/ws/client?deviceId="+testDeviceID+"&token="+testAPIKey, nil)
	if err != websocket.ErrBadHandshake {
		t.Fatalf("Dial err=%v, want ErrBadHandshake", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status=%d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
	if got := h.metrics.Get(metrics.RelayRejectedBusy); got != 1 {
		t.Fatalf("relay_rejected_busy=%d, want 1", got)
	}
}

func TestRelay_PingAnsweredLocally(t *testing.T) {
	h := newSigHarness(t, nil)
	devWS := h.connectDevice(t)
	defer devWS.Close()

	client := h.connectClient(t)
	defer client.Close()
	readText(t, client) // deviceMetadata

	writeText(t, client, "ping")
	if got := readText(t, client); string(got) != "pong" {
		t.Fatalf("ping reply=%q, want pong", got)
	}

	// The device must never see the keep-alive: the next frame it reads is
	// the offer sent after it.
	writeText(t, client, `{"type":"offer","sessionDescription":{"type":"offer","sdp":"v=0"}}`)
	msg, err := parseMessage(readText(t, devWS))
	if err != nil {
		t.Fatalf("device frame: %v", err)
	}
	if msg.Type != messageTypeOffer {
		t.Fatalf("device saw %q before the offer, want offer only", msg.Type)
	}
}

func TestRelay_OfferAugmentedWithVerbatimSD(t *testing.T) {
	h := newSigHarness(t, nil)
	devWS := h.connectDevice(t)
	defer devWS.Close()

	client := h.connectClient(t)
	defer client.Close()
	readText(t, client) // deviceMetadata

	sd := `{"type":"offer","sdp":"v=0\r\no=- 42 2 IN IP4 203.0.113.9\r\n"}`
	writeText(t, client, `{"type":"offer","sessionDescription":`+sd+`}`)

	msg, err := parseMessage(readText(t, devWS))
	if err != nil {
		t.Fatalf("device frame: %v", err)
	}
	if msg.Type != messageTypeOffer {
		t.Fatalf("type=%q, want offer", msg.Type)
	}
	if string(msg.SessionDescription) != sd {
		t.Fatalf("sessionDescription=%s, want verbatim %s", msg.SessionDescription, sd)
	}
	if msg.SourceAddress == "" {
		t.Fatal("forwarded offer missing sourceAddress")
	}
	if msg.IdentityToken != testAPIKey {
		t.Fatalf("identityToken=%q, want %q", msg.IdentityToken, testAPIKey)
	}
	if len(msg.ICEServers) != 1 || msg.ICEServers[0].URLs[0] != testICEServers[0].URLs[0] {
		t.Fatalf("iceServers=%+v, want %+v", msg.ICEServers, testICEServers)
	}
}

func TestRelay_DeviceFramesForwardedVerbatim(t *testing.T) {
	h := newSigHarness(t, nil)
	devWS := h.connectDevice(t)
	defer devWS.Close()

	client := h.connectClient(t)
	defer client.Close()
	readText(t, client) // deviceMetadata

	answer := `{"type":"answer","sessionDescription":{"type":"answer","sdp":"v=0\r\n"}}`
	writeText(t, devWS, answer)
	if got := readText(t, client); string(got) != answer {
		t.Fatalf("client got %s, want verbatim %s", got, answer)
	}

	candidate := `{"type":"newIceCandidate","candidate":{"candidate":"candidate:1 1 udp 2113937151 10.0.0.5 50000 typ host"}}`
	writeText(t, devWS, candidate)
	if got := readText(t, client); string(got) != candidate {
		t.Fatalf("client got %s, want verbatim %s", got, candidate)
	}
}

func TestRelay_CandidateForwardedToDeviceVerbatim(t *testing.T) {
	h := newSigHarness(t, nil)
	devWS := h.connectDevice(t)
	defer devWS.Close()

	client := h.connectClient(t)
	defer client.Close()
	readText(t, client) // deviceMetadata

	candidate := `{"type":"newIceCandidate","candidate":{"candidate":"candidate:2 1 udp 1 192.0.2.7 40000 typ srflx"}}`
	writeText(t, client, candidate)
	if got := readText(t, devWS); string(got) != candidate {
		t.Fatalf("device got %s, want verbatim %s", got, candidate)
	}
}

func TestRelay_MalformedFramesDroppedSessionSurvives(t *testing.T) {
	h := newSigHarness(t, nil)
	devWS := h.connectDevice(t)
	defer devWS.Close()

	client := h.connectClient(t)
	defer client.Close()
	readText(t, client) // deviceMetadata

	writeText(t, client, `{not json`)
	writeText(t, client, `{"type":"renegotiate"}`)

	waitFor(t, "drops to be counted", func() bool {
		return h.metrics.Get(metrics.RelayMessageDropped) >= 2
	})

	// Session still alive.
	writeText(t, client, "ping")
	if got := readText(t, client); string(got) != "pong" {
		t.Fatalf("ping reply=%q, want pong", got)
	}
}

func TestRelay_ClientCloseReleasesDevice(t *testing.T) {
	h := newSigHarness(t, nil)
	devWS := h.connectDevice(t)
	defer devWS.Close()

	client := h.connectClient(t)
	readText(t, client) // deviceMetadata
	client.Close()

	waitFor(t, "in-flight lock release", func() bool {
		return !h.inflight.Contains(testDeviceID)
	})

	// Device stays registered and claimable for the next exchange.
	dev, ok := h.hub.Lookup(testDeviceID)
	if !ok {
		t.Fatal("device dropped from registry after client left")
	}
	claim, err := dev.Claim()
	if err != nil {
		t.Fatalf("Claim after session end: %v", err)
	}
	claim.Release()
}

func TestRelay_DeviceLossTerminatesClient(t *testing.T) {
	h := newSigHarness(t, nil)
	devWS := h.connectDevice(t)

	client := h.connectClient(t)
	defer client.Close()
	readText(t, client) // deviceMetadata

	devWS.Close()

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := client.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("client close err=%v, want going away", err)
		}
		break
	}
	waitFor(t, "in-flight lock release", func() bool {
		return !h.inflight.Contains(testDeviceID)
	})
}

func TestRelay_RateLimitClosesClient(t *testing.T) {
	h := newSigHarness(t, newFakeClock()) // frozen clock: bucket never refills
	devWS := h.connectDevice(t)
	defer devWS.Close()

	client := h.connectClient(t)
	defer client.Close()
	readText(t, client) // deviceMetadata

	for i := 0; i < defaultMessagesPerSecond+1; i++ {
		writeText(t, client, "ping")
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := client.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("client close err=%v, want policy violation", err)
		}
		break
	}
	if got := h.metrics.Get(metrics.RelayRateLimited); got == 0 {
		t.Fatal("expected relay_rate_limited increment")
	}
	waitFor(t, "in-flight lock release", func() bool {
		return !h.inflight.Contains(testDeviceID)
	})
}
