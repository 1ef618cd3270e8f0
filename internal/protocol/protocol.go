// Package protocol models the signaling wire format shared by the relay and
// the client: one JSON object per WebSocket text message.
//
// The relay routes on a small envelope (type, roomId, to) and forwards
// payloads verbatim with the sender id stamped into "from"; the full Message
// type is what clients produce and consume.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type Type string

const (
	// Client -> relay room management.
	TypeCreate Type = "create"
	TypeJoin   Type = "join"

	// Relay -> client room management.
	TypeCreated  Type = "created"
	TypeJoined   Type = "joined"
	TypeNewPeer  Type = "new-peer"
	TypeHostLeft Type = "host-left"
	TypePeerLeft Type = "peer-left"

	// Negotiation traffic, relayed either direction.
	TypeOffer  Type = "offer"
	TypeAnswer Type = "answer"
	TypeICE    Type = "ice"

	// Host-only broadcast types, fanned out verbatim to guests.
	TypeVideoURL      Type = "video_url"
	TypePlay          Type = "play"
	TypePause         Type = "pause"
	TypeSeek          Type = "seek"
	TypeSync          Type = "sync"
	TypeScreenStopped Type = "screen-stopped"
)

// IsSignal reports whether t is negotiation traffic the relay forwards
// between arbitrary participants (offer/answer/ice).
func IsSignal(t Type) bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICE
}

// IsHostBroadcast reports whether t may only originate from a room's host and
// is fanned out to every guest.
func IsHostBroadcast(t Type) bool {
	switch t {
	case TypeVideoURL, TypePlay, TypePause, TypeSeek, TypeSync, TypeScreenStopped:
		return true
	}
	return false
}

// SessionDescription is a minimal, JSON-friendly representation of an SDP
// offer/answer. The wire shape mirrors RTCSessionDescription.toJSON.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the full signaling message. Field presence depends on Type; see
// Validate for the per-type requirements.
type Message struct {
	Type   Type   `json:"type"`
	RoomID string `json:"roomId,omitempty"`

	// ID carries the assigned connection id in created/joined and the subject
	// id in new-peer/peer-left.
	ID string `json:"id,omitempty"`

	// From is stamped by the relay on forwarded traffic; any client-supplied
	// value is overwritten.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	SDP              *SessionDescription `json:"sdp,omitempty"`
	Candidate        *Candidate          `json:"candidate,omitempty"`
	OfferFingerprint string              `json:"offerFingerprint,omitempty"`

	// Playback payload for host broadcast types.
	URL  string  `json:"url,omitempty"`
	Time float64 `json:"time,omitempty"`
}

// Parse decodes and validates a single wire message.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeCreate, TypeJoin:
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Type)
		}
	case TypeCreated, TypeJoined, TypeNewPeer, TypePeerLeft:
		if m.ID == "" {
			return fmt.Errorf("%s message missing id", m.Type)
		}
	case TypeHostLeft, TypeScreenStopped, TypePlay, TypePause, TypeSeek, TypeSync:
		// Playback types carry an optional position only.
	case TypeVideoURL:
		if m.URL == "" {
			return fmt.Errorf("video_url message missing url")
		}
	case TypeOffer:
		if m.SDP == nil {
			return fmt.Errorf("offer message missing sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
	case TypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("answer message missing sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
	case TypeICE:
		if m.Candidate == nil {
			return fmt.Errorf("ice message missing candidate")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Envelope is the subset of fields the relay routes on.
type Envelope struct {
	Type   Type   `json:"type"`
	RoomID string `json:"roomId"`
	To     string `json:"to"`
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("message missing type")
	}
	return env, nil
}

// StampFrom rewrites the "from" field of a raw message, overwriting any
// client-supplied value while preserving every other field verbatim.
func StampFrom(data []byte, from string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	fields["from"] = encoded
	return json.Marshal(fields)
}
