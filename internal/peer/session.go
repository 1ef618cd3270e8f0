package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/roomcast/roomcast/internal/protocol"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

var (
	// ErrNegotiationPending is returned when an offer is requested while a
	// prior offer to the same peer is still unanswered. Callers skip the
	// round; the next renegotiation picks up the current state.
	ErrNegotiationPending = errors.New("peer: negotiation already in flight")

	ErrHostOnly  = errors.New("peer: only the host issues offers")
	ErrGuestOnly = errors.New("peer: only guests answer offers")
)

// Config wires a Session to its owner. Send delivers outbound signaling
// messages to the relay; it must not block.
type Config struct {
	Role     Role
	RemoteID string
	Send     func(protocol.Message)
	Log      *slog.Logger

	// CodecPriority defaults to DefaultCodecPriority when empty.
	CodecPriority []string

	OnTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnStateChange func(webrtc.PeerConnectionState)
}

// Session is the negotiation state machine for one remote participant. The
// host side issues offers and applies answers; the guest side answers offers.
// At most one local offer is outstanding at a time.
type Session struct {
	cfg Config
	log *slog.Logger
	pc  *webrtc.PeerConnection

	negotiating atomic.Bool
	closed      atomic.Bool

	mu         sync.Mutex
	maxBitrate int
	control    *webrtc.DataChannel
}

func NewSession(api *webrtc.API, iceServers []webrtc.ICEServer, cfg Config) (*Session, error) {
	if cfg.Send == nil {
		return nil, fmt.Errorf("peer: session needs a send function")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if len(cfg.CodecPriority) == 0 {
		cfg.CodecPriority = DefaultCodecPriority
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &Session{
		cfg: cfg,
		log: cfg.Log.With("remote", cfg.RemoteID),
		pc:  pc,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.closed.Load() {
			return
		}
		cand := protocol.CandidateFromPion(c.ToJSON())
		s.cfg.Send(protocol.Message{
			Type:      protocol.TypeICE,
			To:        s.cfg.RemoteID,
			Candidate: &cand,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info("peer connection state changed", "state", state.String())
		if s.cfg.OnStateChange != nil {
			s.cfg.OnStateChange(state)
		}
	})

	if cfg.OnTrack != nil {
		pc.OnTrack(cfg.OnTrack)
	}

	// The host opens a low-rate control channel alongside the media; the
	// guest picks it up when it arrives.
	if cfg.Role == RoleHost {
		dc, err := pc.CreateDataChannel("ctrl", nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create control channel: %w", err)
		}
		s.control = dc
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			s.mu.Lock()
			s.control = dc
			s.mu.Unlock()
		})
	}

	return s, nil
}

func (s *Session) RemoteID() string { return s.cfg.RemoteID }

// SetMaxBitrate records the bandwidth hint carried by the next offer. Zero
// clears the hint.
func (s *Session) SetMaxBitrate(bps int) {
	s.mu.Lock()
	s.maxBitrate = bps
	s.mu.Unlock()
}

// AttachTracks installs outbound tracks, replacing an existing track of the
// same kind so renegotiation swaps the stream instead of stacking senders.
func (s *Session) AttachTracks(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		if err := s.attachTrack(track); err != nil {
			return fmt.Errorf("attach %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

func (s *Session) attachTrack(track webrtc.TrackLocal) error {
	for _, sender := range s.pc.GetSenders() {
		existing := sender.Track()
		if existing != nil && existing.Kind() == track.Kind() {
			return sender.ReplaceTrack(track)
		}
	}
	_, err := s.pc.AddTrack(track)
	return err
}

// SendOffer creates a local offer and hands it to Send. The copy on the wire
// has the codec order and bandwidth hint rewritten; the transport keeps the
// description it generated, since modified local descriptions are rejected.
func (s *Session) SendOffer() error {
	if s.cfg.Role != RoleHost {
		return ErrHostOnly
	}
	if !s.negotiating.CompareAndSwap(false, true) {
		return ErrNegotiationPending
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.negotiating.Store(false)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.negotiating.Store(false)
		return fmt.Errorf("set local offer: %w", err)
	}

	s.mu.Lock()
	bitrate := s.maxBitrate
	s.mu.Unlock()

	wire := RewriteSDP(offer.SDP, s.cfg.CodecPriority, bitrate)
	desc := protocol.SessionDescription{Type: "offer", SDP: wire}
	s.cfg.Send(protocol.Message{
		Type:             protocol.TypeOffer,
		To:               s.cfg.RemoteID,
		SDP:              &desc,
		OfferFingerprint: Fingerprint(wire),
	})
	return nil
}

// HandleOffer applies a remote offer and replies with an answer. Duplicate
// suppression happens upstream; every offer that reaches the session is
// answered.
func (s *Session) HandleOffer(desc protocol.SessionDescription) error {
	if s.cfg.Role != RoleGuest {
		return ErrGuestOnly
	}

	remote, err := desc.ToPion()
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	wire := RewriteSDP(answer.SDP, s.cfg.CodecPriority, 0)
	reply := protocol.SessionDescription{Type: "answer", SDP: wire}
	s.cfg.Send(protocol.Message{
		Type: protocol.TypeAnswer,
		To:   s.cfg.RemoteID,
		SDP:  &reply,
	})
	return nil
}

// HandleAnswer applies a remote answer to the outstanding offer and releases
// the negotiation slot.
func (s *Session) HandleAnswer(desc protocol.SessionDescription) error {
	if s.cfg.Role != RoleHost {
		return ErrHostOnly
	}

	remote, err := desc.ToPion()
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.negotiating.Store(false)
	return nil
}

// HandleCandidate adds a relayed ICE candidate. Candidates that arrive before
// the remote description are rejected by the transport; callers treat that as
// non-fatal.
func (s *Session) HandleCandidate(c protocol.Candidate) error {
	return s.pc.AddICECandidate(c.ToPion())
}

// NegotiationPending reports whether a local offer is awaiting its answer.
func (s *Session) NegotiationPending() bool {
	return s.negotiating.Load()
}

// Established reports whether a full offer/answer round has completed.
func (s *Session) Established() bool {
	return s.pc.RemoteDescription() != nil &&
		s.pc.SignalingState() == webrtc.SignalingStateStable
}

// ControlChannel returns the auxiliary data channel, or nil before the guest
// side has received it.
func (s *Session) ControlChannel() *webrtc.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.pc.Close()
}
