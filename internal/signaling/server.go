package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/protocol"
	"github.com/roomcast/roomcast/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

const (
	DefaultMaxMessageBytes   = int64(64 * 1024)
	DefaultMessagesPerSecond = 50
)

// Options tune per-connection hardening. Zero values pick the defaults.
type Options struct {
	// MaxMessageBytes caps a single inbound signaling message.
	MaxMessageBytes int64
	// MessagesPerSecond is a per-connection token bucket over all inbound
	// messages, including host sync fan-out types.
	MessagesPerSecond int
	// CheckOrigin overrides the upgrader's origin check. Nil allows all
	// origins, which suits same-host page serving.
	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return o
}

// Server is the signaling relay. It implements http.Handler for the WebSocket
// endpoint.
type Server struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

func NewServer(logger *slog.Logger, m *metrics.Metrics, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Server{
		log:     logger,
		metrics: m,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: opts.CheckOrigin,
		},
		rooms: make(map[string]*room),
	}
}

// conn is one participant connection. The relay owns it for its networking
// lifetime; protocol messages reference it only by id.
type conn struct {
	id string
	ws *websocket.Conn

	// writeMu serializes writes; gorilla connections support one concurrent
	// writer only.
	writeMu sync.Mutex
	closed  atomic.Bool

	// roomID and isHost are touched only by this connection's read loop.
	roomID string
	isHost bool
}

// send marshals and delivers fire-and-forget; errors are dropped.
func (c *conn) send(msg protocol.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.sendRaw(raw)
}

func (c *conn) sendRaw(raw []byte) {
	if c.closed.Load() {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer wsConn.Close()

	c := &conn{id: newConnID(), ws: wsConn}
	s.metrics.Inc(metrics.EventConnections)
	s.log.Debug("connection opened", "id", c.id, "remote_addr", r.RemoteAddr)

	defer s.disconnect(c)

	rate := int64(s.opts.MessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(nil, rate, rate)

	for {
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.EventRateLimited)
			writeClose(wsConn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := wsConn.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(wsConn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		raw, err := readLimited(msgReader, s.opts.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(wsConn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			return
		}

		s.handleMessage(c, raw)
	}
}

func (s *Server) handleMessage(c *conn, raw []byte) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		s.metrics.Inc(metrics.EventDroppedInvalid)
		s.log.Debug("dropping unparsable message", "id", c.id, "err", err)
		return
	}

	switch {
	case env.Type == protocol.TypeCreate:
		s.handleCreate(c, env.RoomID)
	case env.Type == protocol.TypeJoin:
		s.handleJoin(c, env.RoomID)
	case protocol.IsSignal(env.Type):
		s.forwardSignal(c, env, raw)
	case protocol.IsHostBroadcast(env.Type):
		s.broadcastFromHost(c, env.Type, raw)
	default:
		s.metrics.Inc(metrics.EventDroppedInvalid)
		s.log.Debug("dropping message of unexpected type", "id", c.id, "type", env.Type)
	}
}

func (s *Server) handleCreate(c *conn, roomID string) {
	if roomID == "" {
		s.metrics.Inc(metrics.EventDroppedInvalid)
		return
	}

	r := s.roomFor(roomID)
	r.bindHost(c)
	c.roomID = roomID
	c.isHost = true

	c.send(protocol.Message{Type: protocol.TypeCreated, ID: c.id})
	s.metrics.Inc(metrics.EventRoomsCreated)
	s.log.Info("room created", "room", roomID, "host", c.id)
}

func (s *Server) handleJoin(c *conn, roomID string) {
	if roomID == "" {
		s.metrics.Inc(metrics.EventDroppedInvalid)
		return
	}

	r := s.roomFor(roomID)
	host := r.addGuest(c)
	c.roomID = roomID
	c.isHost = false

	c.send(protocol.Message{Type: protocol.TypeJoined, ID: c.id})
	if host != nil {
		host.send(protocol.Message{Type: protocol.TypeNewPeer, ID: c.id})
	}
	s.metrics.Inc(metrics.EventGuestsJoined)
	s.log.Info("guest joined", "room", roomID, "guest", c.id)
}

// forwardSignal relays offer/answer/ice, stamping the sender id. Addressed
// messages go to that single target if connected; unaddressed messages fan
// from host to every guest, or from a guest to the host only.
func (s *Server) forwardSignal(c *conn, env protocol.Envelope, raw []byte) {
	r := s.lookupRoom(env.RoomID)
	if r == nil {
		s.metrics.Inc(metrics.EventDroppedNoTarget)
		return
	}

	stamped, err := protocol.StampFrom(raw, c.id)
	if err != nil {
		s.metrics.Inc(metrics.EventDroppedInvalid)
		return
	}

	if env.To != "" {
		target := r.lookup(env.To)
		if target == nil {
			s.metrics.Inc(metrics.EventDroppedNoTarget)
			s.log.Debug("addressed target absent", "room", env.RoomID, "from", c.id, "to", env.To)
			return
		}
		target.sendRaw(stamped)
		s.metrics.Inc(metrics.EventForwarded)
		s.log.Debug("forwarded", "type", env.Type, "from", c.id, "to", env.To)
		return
	}

	if r.isHost(c) {
		for _, g := range r.guestList() {
			g.sendRaw(stamped)
		}
		s.metrics.Inc(metrics.EventBroadcast)
		s.log.Debug("broadcast to guests", "type", env.Type, "from", c.id)
		return
	}

	if host := r.hostConn(); host != nil {
		host.sendRaw(stamped)
		s.metrics.Inc(metrics.EventForwarded)
		s.log.Debug("forwarded to host", "type", env.Type, "from", c.id)
		return
	}
	s.metrics.Inc(metrics.EventDroppedNoTarget)
}

// broadcastFromHost fans a host-only type out verbatim to every guest of the
// sender's room. Messages from a non-host are protocol misuse: ignored,
// logged only.
func (s *Server) broadcastFromHost(c *conn, typ protocol.Type, raw []byte) {
	r := s.lookupRoom(c.roomID)
	if r == nil {
		s.metrics.Inc(metrics.EventDroppedNoTarget)
		return
	}
	if !r.isHost(c) {
		s.metrics.Inc(metrics.EventDroppedNotHost)
		s.log.Warn("host-only message from non-host", "room", c.roomID, "from", c.id, "type", typ)
		return
	}
	for _, g := range r.guestList() {
		g.sendRaw(raw)
	}
	s.metrics.Inc(metrics.EventBroadcast)
}

// disconnect runs cleanup when a connection's read loop ends. A departing
// host terminates the room: every guest hears host-left and the room record
// is deleted. A departing guest is removed without affecting the room.
func (s *Server) disconnect(c *conn) {
	c.closed.Store(true)
	if c.roomID == "" {
		return
	}

	r := s.lookupRoom(c.roomID)
	if r == nil {
		return
	}

	if r.isHost(c) {
		for _, g := range r.guestList() {
			g.send(protocol.Message{Type: protocol.TypeHostLeft})
		}
		s.removeRoom(c.roomID, r)
		s.metrics.Inc(metrics.EventRoomsRemoved)
		s.log.Info("host left, room removed", "room", c.roomID, "host", c.id)
		return
	}

	host, removed := r.removeGuest(c.id)
	if !removed {
		// A replaced host binding: not a guest, nothing to announce.
		return
	}
	if host != nil {
		host.send(protocol.Message{Type: protocol.TypePeerLeft, ID: c.id})
	}
	s.log.Info("guest left", "room", c.roomID, "guest", c.id)
}

func (s *Server) roomFor(id string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		r = newRoom(id)
		s.rooms[id] = r
	}
	return r
}

func (s *Server) lookupRoom(id string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[id]
}

func (s *Server) removeRoom(id string, r *room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A fresh room may have been bound since; only delete the one we saw.
	if s.rooms[id] == r {
		delete(s.rooms, id)
	}
}

// newConnID returns a random short connection id. Ids are not reused within a
// room's lifetime.
func newConnID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "conn-fallback"
	}
	return hex.EncodeToString(b[:])
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
