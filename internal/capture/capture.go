// Package capture selects and runs the host's outbound video source. A
// quality level maps to a policy (resolution, frame rate, bitrate hint) and a
// source kind: native capture when available, otherwise a ticker-driven
// render loop feeding a sample track.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

type Level string

const (
	LevelAuto  Level = "auto"
	LevelHigh  Level = "high"
	LevelUltra Level = "ultra"
)

func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelAuto, LevelHigh, LevelUltra:
		return Level(s), nil
	}
	return "", fmt.Errorf("capture: unknown quality level %q", s)
}

// ErrCaptureUnsupported is returned by a Player whose runtime cannot capture
// directly; the controller falls back to rendered frames.
var ErrCaptureUnsupported = errors.New("capture: native capture unsupported")

// Policy is the encoding envelope for one quality level. Bitrate is a hint
// carried in negotiation; the frame rate is enforced by the render loop.
type Policy struct {
	Level         Level
	Width, Height int
	FrameRate     int
	MaxBitrateBps int

	// PreferNative selects direct capture when the player supports it.
	PreferNative bool
}

func PolicyFor(level Level) Policy {
	switch level {
	case LevelHigh:
		return Policy{Level: LevelHigh, Width: 1280, Height: 720, FrameRate: 30, MaxBitrateBps: 1_500_000}
	case LevelUltra:
		return Policy{Level: LevelUltra, Width: 1920, Height: 1080, FrameRate: 30, MaxBitrateBps: 3_500_000}
	default:
		return Policy{Level: LevelAuto, Width: 1280, Height: 720, FrameRate: 30, MaxBitrateBps: 600_000, PreferNative: true}
	}
}

// Source is a running media source. Stop is idempotent and releases every
// track the source feeds.
type Source interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// FrameRenderer produces one encoded frame at the requested resolution.
type FrameRenderer interface {
	RenderFrame(width, height int) ([]byte, error)
}

// Player is the runtime's media surface: direct capture when supported, and a
// renderer for the fallback path.
type Player interface {
	CaptureSource() (Source, error)
	Renderer() FrameRenderer
}

// NewSource builds the source for a policy: native capture when the policy
// prefers it and the player supports it, a canvas render loop otherwise.
func NewSource(logger *slog.Logger, player Player, policy Policy) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.PreferNative {
		src, err := player.CaptureSource()
		if err == nil {
			return src, nil
		}
		if !errors.Is(err, ErrCaptureUnsupported) {
			logger.Warn("native capture failed, rendering instead", "err", err)
		}
	}

	renderer := player.Renderer()
	if renderer == nil {
		return nil, fmt.Errorf("capture: player has no frame renderer")
	}
	return NewCanvasSource(logger, renderer, policy)
}

// CanvasSource drives a renderer at the policy frame rate and writes each
// frame into a local sample track.
type CanvasSource struct {
	log      *slog.Logger
	renderer FrameRenderer
	policy   Policy
	track    *webrtc.TrackLocalStaticSample

	cancel context.CancelFunc
	done   chan struct{}
	stop   sync.Once
}

func NewCanvasSource(logger *slog.Logger, renderer FrameRenderer, policy Policy) (*CanvasSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "roomcast",
	)
	if err != nil {
		return nil, fmt.Errorf("canvas track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CanvasSource{
		log:      logger,
		renderer: renderer,
		policy:   policy,
		track:    track,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

func (s *CanvasSource) run(ctx context.Context) {
	defer close(s.done)

	interval := time.Second / time.Duration(s.policy.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := s.renderer.RenderFrame(s.policy.Width, s.policy.Height)
			if err != nil {
				s.log.Debug("frame render failed", "err", err)
				continue
			}
			if err := s.track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
				s.log.Debug("sample write failed", "err", err)
			}
		}
	}
}

func (s *CanvasSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

// Stop cancels the render loop and waits for it to exit.
func (s *CanvasSource) Stop() {
	s.stop.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Stopped reports whether the render loop has exited.
func (s *CanvasSource) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
