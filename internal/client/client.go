// Package client is the participant side of a room: one Client per room
// membership, holding the WebSocket connection to the relay, the peer
// sessions keyed by remote id, and, on the host, the capture controller.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/roomcast/roomcast/internal/capture"
	"github.com/roomcast/roomcast/internal/iceconf"
	"github.com/roomcast/roomcast/internal/peer"
	"github.com/roomcast/roomcast/internal/protocol"
)

const (
	writeWait        = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

var (
	ErrHostOnly  = errors.New("client: host-only operation")
	ErrNotInRoom = errors.New("client: not in a room")
	ErrRoomTaken = errors.New("client: already in a room")
)

// Options configures a Client before it enters a room.
type Options struct {
	Log *slog.Logger

	// ICEEndpoint is the relay's GET /ice URL. Empty means negotiate with
	// the hard-coded fallback servers only.
	ICEEndpoint string

	// ICEServers, when non-nil, is a static configuration that bypasses the
	// endpoint entirely.
	ICEServers []webrtc.ICEServer

	// Player supplies media surfaces; required to host a stream.
	Player capture.Player

	CodecPriority []string
}

// Client is the session context for one room membership.
type Client struct {
	log  *slog.Logger
	opts Options
	api  *webrtc.API
	ice  *iceconf.Provider
	ctrl *capture.Controller

	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool

	// backlog holds messages that arrived during the join handshake, ahead
	// of the Run loop.
	backlog [][]byte

	mu       sync.Mutex
	id       string
	roomID   string
	role     peer.Role
	sessions map[string]*peer.Session
	pending  []string
	playback Playback

	offerSeen  *peer.DedupSet
	answerSeen *peer.DedupSet
}

// Playback is the guest's view of the host-driven playback state.
type Playback struct {
	URL          string
	Playing      bool
	Position     float64
	LastSync     time.Time
	StreamActive bool
}

// Dial connects to the relay's WebSocket endpoint. The returned Client is in
// no room until CreateRoom or JoinRoom succeeds.
func Dial(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	api, err := peer.NewAPI()
	if err != nil {
		return nil, err
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		log:        opts.Log,
		opts:       opts,
		api:        api,
		ws:         ws,
		sessions:   make(map[string]*peer.Session),
		offerSeen:  peer.NewDedupSet(peer.DedupCapacity),
		answerSeen: peer.NewDedupSet(peer.DedupCapacity),
	}
	if opts.ICEEndpoint != "" {
		c.ice = iceconf.NewProvider(opts.Log, opts.ICEEndpoint)
	}
	if opts.Player != nil {
		c.ctrl = capture.NewController(opts.Log, opts.Player)
	}
	return c, nil
}

// CreateRoom registers this client as the room's host. Creating a room that
// already has a host replaces that host.
func (c *Client) CreateRoom(ctx context.Context, roomID string) error {
	return c.enterRoom(ctx, roomID, peer.RoleHost, protocol.TypeCreate, protocol.TypeCreated)
}

// JoinRoom registers this client as a guest. Joining an unknown room creates
// it, hostless, so the join never fails on ordering.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.enterRoom(ctx, roomID, peer.RoleGuest, protocol.TypeJoin, protocol.TypeJoined)
}

func (c *Client) enterRoom(ctx context.Context, roomID string, role peer.Role, req, reply protocol.Type) error {
	c.mu.Lock()
	if c.roomID != "" {
		c.mu.Unlock()
		return ErrRoomTaken
	}
	c.mu.Unlock()

	c.send(protocol.Message{Type: req, RoomID: roomID})

	msg, err := c.await(ctx, reply)
	if err != nil {
		return fmt.Errorf("%s room %q: %w", req, roomID, err)
	}

	c.mu.Lock()
	c.id = msg.ID
	c.roomID = roomID
	c.role = role
	c.mu.Unlock()
	c.log.Info("entered room", "room", roomID, "role", role, "id", msg.ID)
	return nil
}

// await reads until the wanted reply type arrives, buffering anything else
// for the Run loop.
func (c *Client) await(ctx context.Context, want protocol.Type) (protocol.Message, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			c.log.Warn("dropping unparsable message", "err", err)
			continue
		}
		if msg.Type == want {
			return msg, nil
		}
		c.backlog = append(c.backlog, data)
	}
}

// Run dispatches relay messages until the connection drops or ctx is
// cancelled. Cancelling ctx closes the connection to unblock the read.
func (c *Client) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		}
	}()

	for _, data := range c.backlog {
		c.handle(ctx, data)
	}
	c.backlog = nil

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay connection: %w", err)
		}
		c.handle(ctx, data)
	}
}

func (c *Client) handle(ctx context.Context, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		c.log.Warn("dropping unparsable message", "err", err)
		return
	}

	switch msg.Type {
	case protocol.TypeNewPeer:
		c.handleNewPeer(ctx, msg.ID)
	case protocol.TypePeerLeft:
		c.handlePeerLeft(msg.ID)
	case protocol.TypeHostLeft:
		c.handleHostLeft()
	case protocol.TypeOffer:
		c.handleOffer(ctx, msg)
	case protocol.TypeAnswer:
		c.handleAnswer(msg)
	case protocol.TypeICE:
		c.handleCandidate(msg)
	case protocol.TypeVideoURL, protocol.TypePlay, protocol.TypePause,
		protocol.TypeSeek, protocol.TypeSync, protocol.TypeScreenStopped:
		c.handlePlayback(msg)
	default:
		c.log.Debug("ignoring message", "type", msg.Type)
	}
}

// handleNewPeer queues pre-stream guests; once streaming, the guest gets a
// session and an offer immediately.
func (c *Client) handleNewPeer(ctx context.Context, guestID string) {
	if c.Role() != peer.RoleHost || guestID == "" {
		return
	}

	if c.ctrl == nil || !c.ctrl.Streaming() {
		c.mu.Lock()
		queued := false
		for _, id := range c.pending {
			if id == guestID {
				queued = true
				break
			}
		}
		if !queued {
			c.pending = append(c.pending, guestID)
		}
		c.mu.Unlock()
		c.log.Info("guest queued until stream start", "guest", guestID)
		return
	}

	session, err := c.ensureSession(ctx, guestID)
	if err != nil {
		c.log.Warn("session setup failed", "guest", guestID, "err", err)
		return
	}
	c.ctrl.Connect(c.control(session))
}

func (c *Client) handlePeerLeft(guestID string) {
	c.mu.Lock()
	session := c.sessions[guestID]
	delete(c.sessions, guestID)
	for i, id := range c.pending {
		if id == guestID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	// A later answer from a reconnecting peer with the same id is new.
	c.answerSeen.Forget(guestID)
	c.log.Info("peer left", "guest", guestID)
}

// handleHostLeft tears down every session and clears the remote stream state.
func (c *Client) handleHostLeft() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*peer.Session)
	c.playback.StreamActive = false
	c.playback.Playing = false
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	c.log.Info("host left room")
}

func (c *Client) handleOffer(ctx context.Context, msg protocol.Message) {
	if c.Role() != peer.RoleGuest {
		c.log.Debug("ignoring offer addressed to host")
		return
	}
	if msg.From == "" || msg.SDP == nil {
		return
	}

	fp := msg.OfferFingerprint
	if fp == "" {
		fp = peer.Fingerprint(msg.SDP.SDP)
	}
	if c.offerSeen.Seen(fp) {
		c.log.Debug("duplicate offer dropped", "from", msg.From)
		return
	}

	session, err := c.ensureSession(ctx, msg.From)
	if err != nil {
		c.log.Warn("session setup failed", "from", msg.From, "err", err)
		return
	}
	if err := session.HandleOffer(*msg.SDP); err != nil {
		c.log.Warn("offer handling failed", "from", msg.From, "err", err)
	}
}

func (c *Client) handleAnswer(msg protocol.Message) {
	if c.Role() != peer.RoleHost || msg.From == "" || msg.SDP == nil {
		return
	}
	if c.answerSeen.Seen(msg.From) {
		c.log.Debug("duplicate answer dropped", "from", msg.From)
		return
	}

	c.mu.Lock()
	session := c.sessions[msg.From]
	c.mu.Unlock()
	if session == nil {
		c.log.Warn("answer from unknown peer dropped", "from", msg.From)
		return
	}
	if err := session.HandleAnswer(*msg.SDP); err != nil {
		c.log.Warn("answer handling failed", "from", msg.From, "err", err)
	}
}

// handleCandidate routes to the sender's session; an unknown sender's
// candidate is tried against every open session.
func (c *Client) handleCandidate(msg protocol.Message) {
	if msg.Candidate == nil {
		return
	}

	c.mu.Lock()
	var targets []*peer.Session
	if s, ok := c.sessions[msg.From]; ok {
		targets = []*peer.Session{s}
	} else {
		for _, s := range c.sessions {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		if err := s.HandleCandidate(*msg.Candidate); err != nil {
			c.log.Debug("candidate not applied", "remote", s.RemoteID(), "err", err)
		}
	}
}

func (c *Client) handlePlayback(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case protocol.TypeVideoURL:
		c.playback.URL = msg.URL
		c.playback.Playing = false
		c.playback.Position = 0
	case protocol.TypePlay:
		c.playback.Playing = true
		c.playback.Position = msg.Time
	case protocol.TypePause:
		c.playback.Playing = false
		c.playback.Position = msg.Time
	case protocol.TypeSeek:
		c.playback.Position = msg.Time
	case protocol.TypeSync:
		c.playback.Position = msg.Time
		c.playback.LastSync = time.Now()
	case protocol.TypeScreenStopped:
		c.playback.StreamActive = false
	}
}

// ensureSession returns the session for remoteID, creating it if missing.
func (c *Client) ensureSession(ctx context.Context, remoteID string) (*peer.Session, error) {
	c.mu.Lock()
	if s, ok := c.sessions[remoteID]; ok {
		c.mu.Unlock()
		return s, nil
	}
	role := c.role
	c.mu.Unlock()

	var servers []webrtc.ICEServer
	switch {
	case c.opts.ICEServers != nil:
		servers = c.opts.ICEServers
	case c.ice != nil:
		servers = c.ice.ICEServers(ctx, false)
	default:
		servers = iceconf.FallbackICEServers()
	}

	session, err := peer.NewSession(c.api, servers, peer.Config{
		Role:          role,
		RemoteID:      remoteID,
		Send:          c.send,
		Log:           c.log,
		CodecPriority: c.opts.CodecPriority,
		OnTrack: func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
			c.mu.Lock()
			c.playback.StreamActive = true
			c.mu.Unlock()
		},
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.sessions[remoteID]; ok {
		c.mu.Unlock()
		_ = session.Close()
		return existing, nil
	}
	c.sessions[remoteID] = session
	c.mu.Unlock()
	return session, nil
}

// StartStream drains the pending-guest queue, builds sessions for everyone,
// and begins capture at the current quality level. Host only.
func (c *Client) StartStream(ctx context.Context) error {
	if c.Role() != peer.RoleHost {
		return ErrHostOnly
	}
	if c.ctrl == nil {
		return errors.New("client: no player configured")
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, id := range pending {
		if _, err := c.ensureSession(ctx, id); err != nil {
			c.log.Warn("pending guest session failed", "guest", id, "err", err)
		}
	}
	return c.ctrl.Start(c.sessionControls())
}

// SetQuality changes the quality level, renegotiating live sessions. Host
// only.
func (c *Client) SetQuality(level capture.Level) error {
	if c.Role() != peer.RoleHost {
		return ErrHostOnly
	}
	if c.ctrl == nil {
		return errors.New("client: no player configured")
	}
	return c.ctrl.SetLevel(level, c.sessionControls())
}

// StopStream halts capture and tells guests the screen is gone. Host only.
func (c *Client) StopStream() error {
	if c.Role() != peer.RoleHost {
		return ErrHostOnly
	}
	if c.ctrl != nil {
		c.ctrl.Stop()
	}
	c.send(protocol.Message{Type: protocol.TypeScreenStopped})
	return nil
}

// offerTracker resets the answer dedup entry whenever a fresh offer goes out,
// so the peer's next answer counts as new while duplicates of it still drop.
type offerTracker struct {
	*peer.Session
	c *Client
}

func (o offerTracker) SendOffer() error {
	o.c.answerSeen.Forget(o.Session.RemoteID())
	return o.Session.SendOffer()
}

func (c *Client) control(s *peer.Session) capture.SessionControl {
	return offerTracker{Session: s, c: c}
}

func (c *Client) sessionControls() []capture.SessionControl {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capture.SessionControl, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, c.control(s))
	}
	return out
}

// Host playback broadcast helpers.

func (c *Client) ShareVideoURL(url string) error {
	return c.broadcast(protocol.Message{Type: protocol.TypeVideoURL, URL: url})
}

func (c *Client) Play(position float64) error {
	return c.broadcast(protocol.Message{Type: protocol.TypePlay, Time: position})
}

func (c *Client) Pause(position float64) error {
	return c.broadcast(protocol.Message{Type: protocol.TypePause, Time: position})
}

func (c *Client) Seek(position float64) error {
	return c.broadcast(protocol.Message{Type: protocol.TypeSeek, Time: position})
}

func (c *Client) Sync(position float64) error {
	return c.broadcast(protocol.Message{Type: protocol.TypeSync, Time: position})
}

func (c *Client) broadcast(msg protocol.Message) error {
	if c.Role() != peer.RoleHost {
		return ErrHostOnly
	}
	if c.RoomID() == "" {
		return ErrNotInRoom
	}
	c.send(msg)
	return nil
}

func (c *Client) send(msg protocol.Message) {
	// The relay routes offer/answer/ice by roomId; session callbacks build
	// messages without one, so stamp the current room here.
	if msg.RoomID == "" {
		msg.RoomID = c.RoomID()
	}

	data, err := msg.Encode()
	if err != nil {
		c.log.Warn("refusing to send invalid message", "type", msg.Type, "err", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Warn("relay write failed", "type", msg.Type, "err", err)
	}
}

func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) Role() peer.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) Playback() Playback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playback
}

// SessionFor returns the live session for a remote id, or nil.
func (c *Client) SessionFor(remoteID string) *peer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[remoteID]
}

func (c *Client) PendingGuests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.pending...)
}

// Close tears down every session and the relay connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if c.ctrl != nil {
		c.ctrl.Stop()
	}

	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*peer.Session)
	c.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	c.writeMu.Unlock()
	return c.ws.Close()
}
