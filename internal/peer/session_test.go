package peer

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/roomcast/roomcast/internal/protocol"
)

// signalSink collects outbound messages so tests can shuttle them between two
// in-process sessions.
type signalSink struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *signalSink) send(m protocol.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
}

func (s *signalSink) byType(t protocol.Type) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *signalSink) waitFor(t *testing.T, typ protocol.Type) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := s.byType(typ); len(msgs) > 0 {
			return msgs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s message observed", typ)
	return protocol.Message{}
}

func newTestAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return api
}

func newVideoTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		id, "roomcast",
	)
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return track
}

func TestSession_OfferAnswerRound(t *testing.T) {
	api := newTestAPI(t)
	hostOut, guestOut := &signalSink{}, &signalSink{}

	host, err := NewSession(api, nil, Config{Role: RoleHost, RemoteID: "g1", Send: hostOut.send})
	if err != nil {
		t.Fatalf("host session: %v", err)
	}
	defer host.Close()

	if err := host.AttachTracks([]webrtc.TrackLocal{newVideoTrack(t, "video")}); err != nil {
		t.Fatalf("AttachTracks: %v", err)
	}
	host.SetMaxBitrate(1_500_000)

	if err := host.SendOffer(); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if !host.NegotiationPending() {
		t.Fatal("negotiation not marked pending after offer")
	}
	if err := host.SendOffer(); !errors.Is(err, ErrNegotiationPending) {
		t.Fatalf("second offer err=%v, want ErrNegotiationPending", err)
	}

	offer := hostOut.byType(protocol.TypeOffer)[0]
	if offer.To != "g1" {
		t.Fatalf("offer addressed to %q", offer.To)
	}
	if offer.OfferFingerprint != Fingerprint(offer.SDP.SDP) {
		t.Fatal("fingerprint does not match wire description")
	}
	if !strings.Contains(offer.SDP.SDP, "b=TIAS:1500000") {
		t.Fatal("bandwidth hint missing from wire offer")
	}

	guest, err := NewSession(api, nil, Config{Role: RoleGuest, RemoteID: "h1", Send: guestOut.send})
	if err != nil {
		t.Fatalf("guest session: %v", err)
	}
	defer guest.Close()

	if err := guest.HandleOffer(*offer.SDP); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	answer := guestOut.byType(protocol.TypeAnswer)[0]
	if answer.To != "h1" {
		t.Fatalf("answer addressed to %q", answer.To)
	}

	if err := host.HandleAnswer(*answer.SDP); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if host.NegotiationPending() {
		t.Fatal("negotiation still pending after answer")
	}
	if !host.Established() || !guest.Established() {
		t.Fatal("sessions not established after full round")
	}

	// A fresh round is allowed once the previous answer landed.
	if err := host.SendOffer(); err != nil {
		t.Fatalf("renegotiation offer: %v", err)
	}
}

func TestSession_RoleGuards(t *testing.T) {
	api := newTestAPI(t)
	sink := &signalSink{}

	host, err := NewSession(api, nil, Config{Role: RoleHost, RemoteID: "g1", Send: sink.send})
	if err != nil {
		t.Fatalf("host session: %v", err)
	}
	defer host.Close()

	guest, err := NewSession(api, nil, Config{Role: RoleGuest, RemoteID: "h1", Send: sink.send})
	if err != nil {
		t.Fatalf("guest session: %v", err)
	}
	defer guest.Close()

	desc := protocol.SessionDescription{Type: "offer", SDP: "v=0"}
	if err := host.HandleOffer(desc); !errors.Is(err, ErrGuestOnly) {
		t.Fatalf("host HandleOffer err=%v, want ErrGuestOnly", err)
	}
	if err := guest.SendOffer(); !errors.Is(err, ErrHostOnly) {
		t.Fatalf("guest SendOffer err=%v, want ErrHostOnly", err)
	}
	if err := guest.HandleAnswer(protocol.SessionDescription{Type: "answer", SDP: "v=0"}); !errors.Is(err, ErrHostOnly) {
		t.Fatalf("guest HandleAnswer err=%v, want ErrHostOnly", err)
	}
}

func TestSession_AttachTracksReplacesSameKind(t *testing.T) {
	api := newTestAPI(t)
	sink := &signalSink{}

	host, err := NewSession(api, nil, Config{Role: RoleHost, RemoteID: "g1", Send: sink.send})
	if err != nil {
		t.Fatalf("host session: %v", err)
	}
	defer host.Close()

	if err := host.AttachTracks([]webrtc.TrackLocal{newVideoTrack(t, "first")}); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := host.AttachTracks([]webrtc.TrackLocal{newVideoTrack(t, "second")}); err != nil {
		t.Fatalf("second attach: %v", err)
	}

	if err := host.SendOffer(); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	offer := sink.byType(protocol.TypeOffer)[0]
	if n := strings.Count(offer.SDP.SDP, "m=video"); n != 1 {
		t.Fatalf("offer has %d video sections, want 1", n)
	}
}

func TestSession_EmitsICECandidates(t *testing.T) {
	api := newTestAPI(t)
	hostOut, guestOut := &signalSink{}, &signalSink{}

	host, err := NewSession(api, nil, Config{Role: RoleHost, RemoteID: "g1", Send: hostOut.send})
	if err != nil {
		t.Fatalf("host session: %v", err)
	}
	defer host.Close()
	if err := host.AttachTracks([]webrtc.TrackLocal{newVideoTrack(t, "video")}); err != nil {
		t.Fatalf("AttachTracks: %v", err)
	}

	guest, err := NewSession(api, nil, Config{Role: RoleGuest, RemoteID: "h1", Send: guestOut.send})
	if err != nil {
		t.Fatalf("guest session: %v", err)
	}
	defer guest.Close()

	if err := host.SendOffer(); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	offer := hostOut.waitFor(t, protocol.TypeOffer)
	if err := guest.HandleOffer(*offer.SDP); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	// Local gathering starts once descriptions are set; both sides emit
	// addressed candidate messages.
	ice := hostOut.waitFor(t, protocol.TypeICE)
	if ice.To != "g1" || ice.Candidate == nil || ice.Candidate.Candidate == "" {
		t.Fatalf("bad host candidate message: %+v", ice)
	}
	guestOut.waitFor(t, protocol.TypeICE)
}

func TestSession_CandidateBeforeRemoteDescriptionFails(t *testing.T) {
	api := newTestAPI(t)
	guest, err := NewSession(api, nil, Config{Role: RoleGuest, RemoteID: "h1", Send: (&signalSink{}).send})
	if err != nil {
		t.Fatalf("guest session: %v", err)
	}
	defer guest.Close()

	c := protocol.Candidate{Candidate: "candidate:1 1 udp 2130706433 127.0.0.1 54321 typ host"}
	if err := guest.HandleCandidate(c); err == nil {
		t.Fatal("expected error adding candidate before remote description")
	}
}
