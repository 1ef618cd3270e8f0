package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type countingRenderer struct {
	frames atomic.Int64
}

func (r *countingRenderer) RenderFrame(width, height int) ([]byte, error) {
	r.frames.Add(1)
	return []byte{0x10, 0x02}, nil
}

type fakeSource struct {
	name    string
	rec     *recorder
	stopped atomic.Bool
}

func (s *fakeSource) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeSource) Stop() {
	if s.stopped.CompareAndSwap(false, true) && s.rec != nil {
		s.rec.add("stop:" + s.name)
	}
}

type fakePlayer struct {
	native     Source
	captureErr error
	renderer   FrameRenderer
}

func (p *fakePlayer) CaptureSource() (Source, error) {
	if p.captureErr != nil {
		return nil, p.captureErr
	}
	if p.native != nil {
		return p.native, nil
	}
	return nil, ErrCaptureUnsupported
}

func (p *fakePlayer) Renderer() FrameRenderer { return p.renderer }

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		level   Level
		width   int
		height  int
		bitrate int
		native  bool
	}{
		{LevelAuto, 1280, 720, 600_000, true},
		{LevelHigh, 1280, 720, 1_500_000, false},
		{LevelUltra, 1920, 1080, 3_500_000, false},
	}
	for _, tc := range tests {
		p := PolicyFor(tc.level)
		if p.Width != tc.width || p.Height != tc.height {
			t.Errorf("%s resolution %dx%d", tc.level, p.Width, p.Height)
		}
		if p.MaxBitrateBps != tc.bitrate {
			t.Errorf("%s bitrate %d", tc.level, p.MaxBitrateBps)
		}
		if p.PreferNative != tc.native {
			t.Errorf("%s preferNative=%v", tc.level, p.PreferNative)
		}
		if p.FrameRate != 30 {
			t.Errorf("%s framerate %d", tc.level, p.FrameRate)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if _, err := ParseLevel("high"); err != nil {
		t.Fatalf("ParseLevel(high): %v", err)
	}
	if _, err := ParseLevel("cinematic"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewSource_NativePreferred(t *testing.T) {
	native := &fakeSource{name: "native"}
	player := &fakePlayer{native: native, renderer: &countingRenderer{}}

	src, err := NewSource(nil, player, PolicyFor(LevelAuto))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if src != native {
		t.Fatal("auto policy did not use the native source")
	}
}

func TestNewSource_FallsBackToCanvas(t *testing.T) {
	player := &fakePlayer{captureErr: ErrCaptureUnsupported, renderer: &countingRenderer{}}

	src, err := NewSource(nil, player, PolicyFor(LevelAuto))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	defer src.Stop()
	if _, ok := src.(*CanvasSource); !ok {
		t.Fatalf("got %T, want canvas fallback", src)
	}
}

func TestNewSource_HighNeverTriesNative(t *testing.T) {
	player := &fakePlayer{native: &fakeSource{name: "native"}, renderer: &countingRenderer{}}

	src, err := NewSource(nil, player, PolicyFor(LevelHigh))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	defer src.Stop()
	if _, ok := src.(*CanvasSource); !ok {
		t.Fatalf("got %T, want canvas source for high", src)
	}
}

func TestCanvasSource_RenderLoop(t *testing.T) {
	renderer := &countingRenderer{}
	src, err := NewCanvasSource(nil, renderer, PolicyFor(LevelHigh))
	if err != nil {
		t.Fatalf("NewCanvasSource: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for renderer.frames.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if renderer.frames.Load() == 0 {
		t.Fatal("render loop produced no frames")
	}
	if len(src.Tracks()) != 1 {
		t.Fatalf("tracks=%d", len(src.Tracks()))
	}

	src.Stop()
	if !src.Stopped() {
		t.Fatal("Stop did not shut down the loop")
	}
	after := renderer.frames.Load()
	time.Sleep(100 * time.Millisecond)
	if renderer.frames.Load() != after {
		t.Fatal("frames rendered after Stop")
	}
	src.Stop() // idempotent
}

func TestNewSource_NoRendererErrors(t *testing.T) {
	player := &fakePlayer{captureErr: errors.New("device busy")}
	if _, err := NewSource(nil, player, PolicyFor(LevelAuto)); err == nil {
		t.Fatal("expected error with no renderer available")
	}
}
