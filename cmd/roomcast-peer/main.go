// roomcast-peer joins a relay room from the command line, either hosting a
// synthetic test-pattern stream or watching as a guest. It is mainly a
// debugging companion for relay deployments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/roomcast/roomcast/internal/capture"
	"github.com/roomcast/roomcast/internal/client"
	"github.com/roomcast/roomcast/internal/peer"
)

func main() {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("roomcast-peer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		relayURL = fs.String("relay", "ws://127.0.0.1:8080/ws", "Relay WebSocket URL")
		room     = fs.String("room", "demo", "Room id to create or join")
		roleStr  = fs.String("role", "guest", "Role: host or guest")
		quality  = fs.String("quality", "auto", "Stream quality: auto, high, ultra (host)")
		videoURL = fs.String("video-url", "", "Video URL to share with guests (host)")
		logLevel = fs.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	role := peer.Role(*roleStr)
	if role != peer.RoleHost && role != peer.RoleGuest {
		fmt.Fprintf(os.Stderr, "invalid role %q (expected host or guest)\n", *roleStr)
		os.Exit(2)
	}

	qualityLevel, err := capture.ParseLevel(*quality)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	iceEndpoint, err := iceEndpointFor(*relayURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := client.Options{
		Log:         logger,
		ICEEndpoint: iceEndpoint,
	}
	if role == peer.RoleHost {
		opts.Player = testPatternPlayer{}
	}

	c, err := client.Dial(ctx, *relayURL, opts)
	if err != nil {
		logger.Error("relay dial failed", "err", err)
		os.Exit(1)
	}
	defer c.Close()

	enterCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if role == peer.RoleHost {
		err = c.CreateRoom(enterCtx, *room)
	} else {
		err = c.JoinRoom(enterCtx, *room)
	}
	if err != nil {
		logger.Error("room entry failed", "room", *room, "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
	}()

	if role == peer.RoleHost {
		if err := c.SetQuality(qualityLevel); err != nil {
			logger.Error("quality selection failed", "err", err)
			os.Exit(1)
		}
		if err := c.StartStream(ctx); err != nil {
			logger.Error("stream start failed", "err", err)
			os.Exit(1)
		}
		if *videoURL != "" {
			if err := c.ShareVideoURL(*videoURL); err != nil {
				logger.Error("video url broadcast failed", "err", err)
			}
		}
		go syncLoop(ctx, c, logger)
	}

	if err := <-errCh; err != nil {
		logger.Error("session ended", "err", err)
		os.Exit(1)
	}
}

// syncLoop keeps guests loosely aligned with the host clock.
func syncLoop(ctx context.Context, c *client.Client, logger *slog.Logger) {
	start := time.Now()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(time.Since(start).Seconds()); err != nil {
				logger.Warn("sync broadcast failed", "err", err)
				return
			}
		}
	}
}

func iceEndpointFor(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL %q: %w", relayURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("invalid relay URL scheme %q (expected ws or wss)", u.Scheme)
	}
	u.Path = "/ice"
	u.RawQuery = ""
	return u.String(), nil
}

// testPatternPlayer has no native capture; the canvas path renders a rolling
// byte pattern, enough to light up the pipeline end to end.
type testPatternPlayer struct{}

func (testPatternPlayer) CaptureSource() (capture.Source, error) {
	return nil, capture.ErrCaptureUnsupported
}

func (testPatternPlayer) Renderer() capture.FrameRenderer { return patternRenderer{} }

type patternRenderer struct{}

func (patternRenderer) RenderFrame(width, height int) ([]byte, error) {
	frame := make([]byte, 1024)
	seed := byte(time.Now().UnixMilli())
	for i := range frame {
		frame[i] = seed + byte(i)
	}
	return frame, nil
}
