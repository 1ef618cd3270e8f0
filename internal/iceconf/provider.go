package iceconf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// FallbackICEServers is the hard-coded degradation pair: a public STUN server
// plus a test TURN server with fixed credentials. Good enough to keep
// negotiation moving when the backend is unreachable; production deployments
// should rely on the vendor path.
func FallbackICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{
			URLs:       []string{"turn:turn.anyfirewall.com:443?transport=tcp"},
			Username:   "webrtc",
			Credential: "webrtc",
		},
	}
}

// Provider acquires and short-term caches ICE server descriptors from the
// relay's /ice endpoint. It never fails: any fetch problem degrades to the
// hard-coded fallback, cached for the same TTL.
type Provider struct {
	log      *slog.Logger
	client   *http.Client
	endpoint string
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	cached   []webrtc.ICEServer
	expires  time.Time
	inflight chan struct{}
}

func NewProvider(logger *slog.Logger, endpoint string) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		log:      logger,
		client:   &http.Client{},
		endpoint: endpoint,
		ttl:      CacheTTL,
		now:      time.Now,
	}
}

// ICEServers returns the current descriptor list. Unforced calls inside the
// TTL are served from cache; concurrent callers during a fetch share the one
// in-flight result rather than issuing duplicate requests.
func (p *Provider) ICEServers(ctx context.Context, force bool) []webrtc.ICEServer {
	p.mu.Lock()
	if !force && len(p.cached) > 0 && p.now().Before(p.expires) {
		servers := p.cached
		p.mu.Unlock()
		return servers
	}
	if p.inflight != nil {
		done := p.inflight
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		p.mu.Lock()
		servers := p.cached
		p.mu.Unlock()
		if len(servers) > 0 {
			return servers
		}
		return FallbackICEServers()
	}
	done := make(chan struct{})
	p.inflight = done
	p.mu.Unlock()

	servers, err := p.fetch(ctx)
	if err != nil || len(servers) == 0 {
		p.log.Warn("ice fetch failed, using fallback servers", "err", err)
		servers = FallbackICEServers()
	}

	// The in-flight marker is cleared on every path before returning.
	p.mu.Lock()
	p.cached = servers
	p.expires = p.now().Add(p.ttl)
	p.inflight = nil
	p.mu.Unlock()
	close(done)

	return servers
}

func (p *Provider) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build ice request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ice request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("ice endpoint status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ice response: %w", err)
	}

	servers, err := NormalizeICEServers(body)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("ice endpoint returned no servers")
	}
	return servers, nil
}

// iceServerJSON tolerates the browser wire shape where urls may be a single
// string or an array.
type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	URL        string  `json:"url"`
	Username   string  `json:"username"`
	Credential string  `json:"credential"`
}

type urlList []string

func (u *urlList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*u = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

// NormalizeICEServers accepts the three response shapes the backend may
// produce (vendor-nested v.iceServers, bare iceServers, or a bare array) and
// converts to pion descriptors.
func NormalizeICEServers(body []byte) ([]webrtc.ICEServer, error) {
	var nested struct {
		V struct {
			ICEServers json.RawMessage `json:"iceServers"`
		} `json:"v"`
		ICEServers json.RawMessage `json:"iceServers"`
	}

	raw := json.RawMessage(body)
	if err := json.Unmarshal(body, &nested); err == nil {
		if len(nested.V.ICEServers) > 0 {
			raw = nested.V.ICEServers
		} else if len(nested.ICEServers) > 0 {
			raw = nested.ICEServers
		}
	}

	// The vendor may hand back a single descriptor object rather than a list.
	var entries []iceServerJSON
	if err := json.Unmarshal(raw, &entries); err != nil {
		var one iceServerJSON
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("unrecognized ice server payload: %w", err)
		}
		entries = []iceServerJSON{one}
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for _, e := range entries {
		urls := []string(e.URLs)
		if len(urls) == 0 && e.URL != "" {
			urls = []string{e.URL}
		}
		if len(urls) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: urls, Username: e.Username}
		if e.Credential != "" {
			server.Credential = e.Credential
		}
		out = append(out, server)
	}
	return out, nil
}
