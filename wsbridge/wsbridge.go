// Package wsbridge lets remote frames join a session over websockets. Each
// connection becomes a trusted context for as long as it stays open.
package wsbridge

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/zond/mapscript"
	"github.com/zond/mapscript/router"
	"github.com/zond/mapscript/trust"
	"golang.org/x/time/rate"
)

const (
	outboxSize   = 64
	writeTimeout = 10 * time.Second
	// maxMessageSize bounds a single inbound envelope.
	maxMessageSize = 1 << 20
)

var (
	ErrClosed     = errors.New("frame closed")
	ErrOutboxFull = errors.New("frame outbox full")
)

// FrameCapabilities is what a connected frame is granted.
var FrameCapabilities = trust.Capabilities{RunScripts: true}

// Frame is the trusted context of one websocket connection.
type Frame struct {
	id      string
	locator string
	conn    *websocket.Conn

	outbox    chan []byte
	closing   chan struct{}
	closeOnce sync.Once
}

func newFrame(conn *websocket.Conn, locator string) *Frame {
	return &Frame{
		id:      "frame" + uuid.NewString(),
		locator: locator,
		conn:    conn,
		outbox:  make(chan []byte, outboxSize),
		closing: make(chan struct{}),
	}
}

func (f *Frame) ID() string {
	return f.id
}

func (f *Frame) Locator() string {
	return f.locator
}

func (f *Frame) Capabilities() trust.Capabilities {
	return FrameCapabilities
}

// Post queues message for the remote end without waiting for the network.
func (f *Frame) Post(message []byte) error {
	select {
	case <-f.closing:
		return mapscript.WithStack(ErrClosed)
	default:
	}
	select {
	case f.outbox <- message:
		return nil
	default:
		return mapscript.WithStack(ErrOutboxFull)
	}
}

func (f *Frame) close() {
	f.closeOnce.Do(func() {
		close(f.closing)
	})
}

func (f *Frame) writeLoop() {
	for {
		select {
		case <-f.closing:
			return
		case message := <-f.outbox:
			f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := f.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("writing to %q: %v", f.locator, err)
				f.close()
				f.conn.Close()
				return
			}
		}
	}
}

// Handler upgrades HTTP requests to frame connections.
type Handler struct {
	router   *router.Router
	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int
}

// NewHandler accepts frames for r. Each frame may send messagesPerSecond
// messages per second on average, excess messages are dropped. A
// non-positive rate means no limit.
func NewHandler(r *router.Router, messagesPerSecond float64) *Handler {
	h := &Handler{
		router: r,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limit: rate.Inf,
	}
	if messagesPerSecond > 0 {
		h.limit = rate.Limit(messagesPerSecond)
		h.burst = max(1, int(messagesPerSecond))
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("upgrading %q: %v", req.RemoteAddr, err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	frame := newFrame(conn, "ws://"+req.RemoteAddr+req.URL.Path)
	defer frame.close()
	go frame.writeLoop()

	h.router.RegisterFrame(frame)
	defer func() {
		if err := h.router.UnregisterFrame(frame); err != nil {
			log.Printf("unregistering %q: %v", frame.locator, err)
		}
	}()
	log.Printf("frame %q connected from %q", frame.id, req.RemoteAddr)

	limiter := rate.NewLimiter(h.limit, h.burst)
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("reading from %q: %v", frame.locator, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !limiter.Allow() {
			log.Printf("frame %q exceeds %v messages per second, dropping message", frame.id, h.limit)
			continue
		}
		h.router.Receive(frame.id, message)
	}
}
