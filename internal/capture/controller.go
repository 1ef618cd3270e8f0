package capture

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/roomcast/roomcast/internal/peer"
)

// SessionControl is the slice of a peer session the controller drives during
// renegotiation.
type SessionControl interface {
	RemoteID() string
	AttachTracks([]webrtc.TrackLocal) error
	SetMaxBitrate(bps int)
	SendOffer() error
}

// Controller owns the host's active source and quality level. Level changes
// while idle record the preference only; while streaming they build the new
// source, renegotiate every session, and stop the old source only after all
// peers carry the new tracks. Per-peer failures are logged and never abort
// the switch.
type Controller struct {
	log    *slog.Logger
	player Player

	// build is the source constructor, split out so tests can observe the
	// sources the controller creates and stops.
	build func(Policy) (Source, error)

	mu        sync.Mutex
	level     Level
	source    Source
	streaming bool
}

func NewController(logger *slog.Logger, player Player) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		log:    logger,
		player: player,
		level:  LevelAuto,
	}
	c.build = func(p Policy) (Source, error) {
		return NewSource(c.log, c.player, p)
	}
	return c
}

func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *Controller) Policy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PolicyFor(c.level)
}

func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Tracks returns the current source's tracks, or nil when not streaming.
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source == nil {
		return nil
	}
	return c.source.Tracks()
}

// Start begins streaming at the current level and negotiates with every
// known session. Starting while already streaming is a no-op.
func (c *Controller) Start(sessions []SessionControl) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.streaming {
		return nil
	}
	policy := PolicyFor(c.level)
	src, err := c.build(policy)
	if err != nil {
		return err
	}
	c.source = src
	c.streaming = true
	c.log.Info("stream started", "level", c.level, "peers", len(sessions))
	c.apply(sessions, src, policy)
	return nil
}

// SetLevel switches the quality level. While streaming, the old source stays
// alive until every session has been renegotiated onto the new one.
func (c *Controller) SetLevel(level Level, sessions []SessionControl) error {
	policy := PolicyFor(level)
	if policy.Level != level {
		return errors.New("capture: unknown quality level")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.level = level
	if !c.streaming {
		c.log.Info("quality preference recorded", "level", level)
		return nil
	}

	next, err := c.build(policy)
	if err != nil {
		return err
	}
	old := c.source
	c.source = next
	c.log.Info("quality switched", "level", level, "peers", len(sessions))
	c.apply(sessions, next, policy)
	if old != nil {
		old.Stop()
	}
	return nil
}

// Connect runs the attach-and-offer sequence for one session, used for late
// joiners and the pending-guest drain. Reports false when not streaming.
func (c *Controller) Connect(session SessionControl) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.streaming {
		return false
	}
	c.apply([]SessionControl{session}, c.source, PolicyFor(c.level))
	return true
}

// Stop halts the active source and leaves the level preference in place.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.source != nil {
		c.source.Stop()
		c.source = nil
	}
	c.streaming = false
}

func (c *Controller) apply(sessions []SessionControl, src Source, policy Policy) {
	tracks := src.Tracks()
	for _, session := range sessions {
		if err := session.AttachTracks(tracks); err != nil {
			c.log.Warn("track attach failed", "remote", session.RemoteID(), "err", err)
			continue
		}
		session.SetMaxBitrate(policy.MaxBitrateBps)
		if err := session.SendOffer(); err != nil {
			if errors.Is(err, peer.ErrNegotiationPending) {
				c.log.Info("offer skipped, negotiation in flight", "remote", session.RemoteID())
			} else {
				c.log.Warn("offer failed", "remote", session.RemoteID(), "err", err)
			}
		}
	}
}
