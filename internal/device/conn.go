package device

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 1 * time.Second

var (
	ErrConnClosed     = errors.New("device: connection closed")
	ErrAlreadyClaimed = errors.New("device: connection already claimed")

	errLivenessTimeout = errors.New("device: liveness probe unacknowledged")
	errDisplaced       = errors.New("device: displaced by newer connection")
	errDeleted         = errors.New("device: deleted from directory")
)

// Conn is one live device socket. The hub owns the socket; signaling
// exchanges reference it through a Claim while they hold the in-flight lock.
type Conn struct {
	id         string
	remoteAddr string
	version    string

	ws *websocket.Conn

	writeMu sync.Mutex

	claimMu sync.Mutex
	claim   *Claim

	pongSeen atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newConn(id string, ws *websocket.Conn, remoteAddr, version string) *Conn {
	c := &Conn{
		id:         id,
		remoteAddr: remoteAddr,
		version:    version,
		ws:         ws,
		closed:     make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		c.pongSeen.Store(true)
		return nil
	})
	return c
}

func (c *Conn) ID() string { return c.id }

// RemoteAddr is the best-effort observed network origin of the device,
// forwarded to the client side of a signaling exchange.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Version is the device-reported software version. Informational only.
func (c *Conn) Version() string { return c.version }

// Closed is closed when the underlying socket is gone for any reason.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// CloseErr returns the close cause once Closed is done.
func (c *Conn) CloseErr() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// WriteText sends one text frame to the device. Safe for concurrent use.
func (c *Conn) WriteText(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeWithErr records the first close cause, best-effort sends a close frame
// and tears the socket down. Idempotent: error and close events often fire
// close together.
func (c *Conn) closeWithErr(cause error, closeCode int, reason string) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		close(c.closed)
	})
}

// Claim grants the caller exclusive access to the device's inbound message
// stream. At most one claim exists per connection; releasing it detaches the
// consumer. Claims are how signaling exchanges own the shared socket without
// handler save/restore.
func (c *Conn) Claim() (*Claim, error) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	select {
	case <-c.closed:
		return nil, ErrConnClosed
	default:
	}
	if c.claim != nil {
		return nil, ErrAlreadyClaimed
	}
	cl := &Claim{
		conn: c,
		msgs: make(chan []byte, 16),
		done: make(chan struct{}),
	}
	c.claim = cl
	return cl, nil
}

func (c *Conn) releaseClaim(cl *Claim) {
	c.claimMu.Lock()
	if c.claim == cl {
		c.claim = nil
	}
	c.claimMu.Unlock()
}

// deliver routes one inbound device frame to the active claim, preserving
// arrival order. Frames received while no exchange owns the connection are
// dropped; devices only speak when spoken to.
func (c *Conn) deliver(data []byte) bool {
	c.claimMu.Lock()
	cl := c.claim
	c.claimMu.Unlock()

	if cl == nil {
		return false
	}
	select {
	case cl.msgs <- data:
		return true
	case <-cl.done:
		return false
	case <-c.closed:
		return false
	}
}

// Claim is the ownership token for a device's inbound message stream.
type Claim struct {
	conn *Conn
	msgs chan []byte
	done chan struct{}
	once sync.Once
}

// Messages yields inbound device frames in arrival order while the claim is
// held.
func (cl *Claim) Messages() <-chan []byte { return cl.msgs }

// ConnClosed is closed when the device socket dies.
func (cl *Claim) ConnClosed() <-chan struct{} { return cl.conn.closed }

// Released is closed when the claim itself is released.
func (cl *Claim) Released() <-chan struct{} { return cl.done }

// Err returns the device close cause once ConnClosed is done.
func (cl *Claim) Err() error { return cl.conn.CloseErr() }

// Release detaches the claim. Idempotent; always call on exchange exit.
func (cl *Claim) Release() {
	cl.once.Do(func() {
		close(cl.done)
		cl.conn.releaseClaim(cl)
	})
}

// SourceAddr extracts the best-effort network origin of an HTTP request,
// preferring the first X-Forwarded-For hop when the broker sits behind a
// proxy.
func SourceAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
