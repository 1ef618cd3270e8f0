package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/roomcast/roomcast/internal/capture"
	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/peer"
	"github.com/roomcast/roomcast/internal/protocol"
	"github.com/roomcast/roomcast/internal/signaling"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRenderer struct{}

func (stubRenderer) RenderFrame(width, height int) ([]byte, error) {
	return []byte{0x10, 0x02}, nil
}

// stubPlayer has no native capture, forcing the canvas render path.
type stubPlayer struct{}

func (stubPlayer) CaptureSource() (capture.Source, error) {
	return nil, capture.ErrCaptureUnsupported
}

func (stubPlayer) Renderer() capture.FrameRenderer { return stubRenderer{} }

func newRelay(t *testing.T) string {
	t.Helper()
	srv := signaling.NewServer(quietLogger(), metrics.New(), signaling.Options{})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialClient(t *testing.T, wsURL string, player capture.Player) *Client {
	t.Helper()
	c, err := Dial(context.Background(), wsURL, Options{
		Log:        quietLogger(),
		Player:     player,
		ICEServers: []webrtc.ICEServer{},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// rawPeer drives the relay protocol directly over a WebSocket, without any
// client-side dedup or session machinery.
type rawPeer struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialRaw(t *testing.T, wsURL string) *rawPeer {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial raw: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &rawPeer{t: t, ws: ws}
}

func (p *rawPeer) send(msg protocol.Message) {
	p.t.Helper()
	data, err := msg.Encode()
	if err != nil {
		p.t.Fatalf("encode %s: %v", msg.Type, err)
	}
	if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		p.t.Fatalf("write %s: %v", msg.Type, err)
	}
}

// expect reads until a message of the wanted type arrives, skipping others.
func (p *rawPeer) expect(typ protocol.Type) protocol.Message {
	p.t.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			p.t.Fatalf("waiting for %s: %v", typ, err)
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			continue
		}
		if msg.Type == typ {
			return msg
		}
	}
}

// countWithin counts messages of the given type arriving inside the window.
func (p *rawPeer) countWithin(typ protocol.Type, window time.Duration) int {
	p.t.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(window))
	n := 0
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return n
		}
		if msg, err := protocol.Parse(data); err == nil && msg.Type == typ {
			n++
		}
	}
}

// syncLogBuffer collects log output for assertions; handlers may write from
// multiple goroutines.
type syncLogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncLogBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

func TestEndToEnd_HostGuestStream(t *testing.T) {
	wsURL := newRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := dialClient(t, wsURL, stubPlayer{})
	if err := host.CreateRoom(ctx, "demo"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	go func() { _ = host.Run(ctx) }()

	guest := dialClient(t, wsURL, nil)
	if err := guest.JoinRoom(ctx, "demo"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	go func() { _ = guest.Run(ctx) }()

	// Pre-stream join lands in the pending queue, no offer yet.
	waitUntil(t, "guest queued", func() bool {
		pending := host.PendingGuests()
		return len(pending) == 1 && pending[0] == guest.ID()
	})
	if guest.SessionFor(host.ID()) != nil {
		t.Fatal("guest has a session before stream start")
	}

	if err := host.StartStream(ctx); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	// The drained guest gets exactly one offer, answers once, and the host
	// session settles.
	waitUntil(t, "host session established", func() bool {
		s := host.SessionFor(guest.ID())
		return s != nil && s.Established() && !s.NegotiationPending()
	})
	if got := guest.offerSeen.Len(); got != 1 {
		t.Fatalf("guest saw %d distinct offers, want 1", got)
	}
	if got := host.answerSeen.Len(); got != 1 {
		t.Fatalf("host saw %d distinct answers, want 1", got)
	}
	if len(host.PendingGuests()) != 0 {
		t.Fatal("pending queue not drained")
	}

	// Quality switch renegotiates; the guest's fresh answer must be applied
	// rather than treated as a duplicate.
	if err := host.SetQuality(capture.LevelHigh); err != nil {
		t.Fatalf("SetQuality: %v", err)
	}
	waitUntil(t, "renegotiation settled", func() bool {
		s := host.SessionFor(guest.ID())
		return s != nil && s.Established() && !s.NegotiationPending()
	})
	waitUntil(t, "second offer observed", func() bool {
		return guest.offerSeen.Len() == 2
	})

	// Playback broadcasts reach the guest.
	if err := host.ShareVideoURL("https://media.example.org/clip.mp4"); err != nil {
		t.Fatalf("ShareVideoURL: %v", err)
	}
	if err := host.Play(12.5); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitUntil(t, "playback state", func() bool {
		pb := guest.Playback()
		return pb.URL == "https://media.example.org/clip.mp4" && pb.Playing && pb.Position == 12.5
	})

	if err := guest.ShareVideoURL("https://x.example.org"); err != ErrHostOnly {
		t.Fatalf("guest broadcast err=%v, want ErrHostOnly", err)
	}

	// Host departure tears down the guest's sessions.
	hostID := host.ID()
	_ = host.Close()
	waitUntil(t, "guest teardown", func() bool {
		return guest.SessionFor(hostID) == nil && !guest.Playback().Playing
	})
}

// Delivering the same offer payload twice must produce exactly one answer.
func TestClient_DuplicateOfferAnsweredOnce(t *testing.T) {
	wsURL := newRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rawHost := dialRaw(t, wsURL)
	rawHost.send(protocol.Message{Type: protocol.TypeCreate, RoomID: "dup"})
	rawHost.expect(protocol.TypeCreated)

	guest := dialClient(t, wsURL, nil)
	if err := guest.JoinRoom(ctx, "dup"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	go func() { _ = guest.Run(ctx) }()
	guestID := guest.ID()
	rawHost.expect(protocol.TypeNewPeer)

	api, err := peer.NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer pc.Close()
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		t.Fatalf("AddTransceiverFromKind: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	sdp := protocol.SDPFromPion(offer)
	msg := protocol.Message{
		Type:             protocol.TypeOffer,
		RoomID:           "dup",
		To:               guestID,
		SDP:              &sdp,
		OfferFingerprint: peer.Fingerprint(offer.SDP),
	}
	rawHost.send(msg)
	rawHost.send(msg)

	rawHost.expect(protocol.TypeAnswer)
	if n := rawHost.countWithin(protocol.TypeAnswer, 700*time.Millisecond); n != 0 {
		t.Fatalf("duplicate offer produced %d extra answers", n)
	}
	if got := guest.offerSeen.Len(); got != 1 {
		t.Fatalf("guest saw %d distinct offers, want 1", got)
	}
}

// Two answers from the same sender must be applied remotely at most once; the
// duplicate is dropped before it reaches the peer connection.
func TestClient_DuplicateAnswerAppliedOnce(t *testing.T) {
	wsURL := newRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logBuf := &syncLogBuffer{}
	host, err := Dial(ctx, wsURL, Options{
		Log:        slog.New(slog.NewTextHandler(logBuf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Player:     stubPlayer{},
		ICEServers: []webrtc.ICEServer{},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = host.Close() })
	if err := host.CreateRoom(ctx, "dupans"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	go func() { _ = host.Run(ctx) }()

	rawGuest := dialRaw(t, wsURL)
	rawGuest.send(protocol.Message{Type: protocol.TypeJoin, RoomID: "dupans"})
	guestID := rawGuest.expect(protocol.TypeJoined).ID

	waitUntil(t, "guest queued", func() bool {
		return len(host.PendingGuests()) == 1
	})
	if err := host.StartStream(ctx); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	offerMsg := rawGuest.expect(protocol.TypeOffer)

	api, err := peer.NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer pc.Close()
	remote, err := offerMsg.SDP.ToPion()
	if err != nil {
		t.Fatalf("offer to pion: %v", err)
	}
	if err := pc.SetRemoteDescription(remote); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}

	sdp := protocol.SDPFromPion(answer)
	reply := protocol.Message{
		Type:   protocol.TypeAnswer,
		RoomID: "dupans",
		To:     offerMsg.From,
		SDP:    &sdp,
	}
	rawGuest.send(reply)
	rawGuest.send(reply)

	waitUntil(t, "host session established", func() bool {
		s := host.SessionFor(guestID)
		return s != nil && s.Established() && !s.NegotiationPending()
	})
	waitUntil(t, "duplicate answer dropped", func() bool {
		return logBuf.Contains("duplicate answer dropped")
	})
	if logBuf.Contains("answer handling failed") {
		t.Fatal("duplicate answer reached the peer connection")
	}
	if got := host.answerSeen.Len(); got != 1 {
		t.Fatalf("host saw %d distinct answers, want 1", got)
	}
}

func TestClient_GuestLeavingClearsPendingQueue(t *testing.T) {
	wsURL := newRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := dialClient(t, wsURL, stubPlayer{})
	if err := host.CreateRoom(ctx, "lobby"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	go func() { _ = host.Run(ctx) }()

	guest := dialClient(t, wsURL, nil)
	if err := guest.JoinRoom(ctx, "lobby"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	go func() { _ = guest.Run(ctx) }()

	waitUntil(t, "guest queued", func() bool {
		return len(host.PendingGuests()) == 1
	})

	_ = guest.Close()
	waitUntil(t, "pending queue cleared", func() bool {
		return len(host.PendingGuests()) == 0
	})
}

func TestClient_SecondRoomEntryRejected(t *testing.T) {
	wsURL := newRelay(t)
	ctx := context.Background()

	c := dialClient(t, wsURL, nil)
	if err := c.JoinRoom(ctx, "one"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := c.JoinRoom(ctx, "two"); err != ErrRoomTaken {
		t.Fatalf("second join err=%v, want ErrRoomTaken", err)
	}
}

func TestClient_HostOnlyOperationsRejectGuests(t *testing.T) {
	wsURL := newRelay(t)
	ctx := context.Background()

	guest := dialClient(t, wsURL, nil)
	if err := guest.JoinRoom(ctx, "strict"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	if err := guest.StartStream(ctx); err != ErrHostOnly {
		t.Fatalf("StartStream err=%v", err)
	}
	if err := guest.SetQuality(capture.LevelUltra); err != ErrHostOnly {
		t.Fatalf("SetQuality err=%v", err)
	}
	if err := guest.StopStream(); err != ErrHostOnly {
		t.Fatalf("StopStream err=%v", err)
	}
}
