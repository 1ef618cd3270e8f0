// Package peer owns the client side of a single peer relationship: one
// media-transport connection per remote participant id, plus the negotiation
// state machine that turns relayed offer/answer/ice messages into an
// established transport.
package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// NewAPI builds the shared WebRTC API used by every session: default codecs
// (VP8/H264 among them, matching the codec preference order), the default
// interceptor set, and pion's own logging kept to warnings.
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logging.LogLevelWarn

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(webrtc.SettingEngine{LoggerFactory: loggerFactory}),
	)
	return api, nil
}
