// Package iceconf covers both halves of ICE configuration acquisition: the
// relay-side vendor proxy with its short-lived credential cache (served at
// GET /ice), and the client-side Provider that consumes it with single-flight
// fetching and a hard-coded fallback.
package iceconf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roomcast/roomcast/internal/metrics"
)

// CacheTTL is the shared time-to-live for vendor credential bundles. The
// vendor issues temporary credentials, so the cache is deliberately short.
const CacheTTL = 60 * time.Second

const DefaultVendorTimeout = 15 * time.Second

// ErrNotConfigured distinguishes "no vendor credentials at all" from a
// transient vendor failure; it is the one server-side error with no safe
// fallback.
var ErrNotConfigured = errors.New("iceconf: vendor credentials not configured")

// VendorConfig describes the upstream TURN credential vendor (Xirsys-style:
// HTTPS PUT with basic auth against a per-channel path).
type VendorConfig struct {
	URL     string
	Ident   string
	Secret  string
	Timeout time.Duration
}

func (c VendorConfig) Enabled() bool {
	return strings.TrimSpace(c.Ident) != "" && strings.TrimSpace(c.Secret) != ""
}

// Service caches vendor-issued credential bundles and degrades to the stale
// cached bundle when the vendor call fails.
type Service struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     VendorConfig
	client  *http.Client
	now     func() time.Time

	mu      sync.Mutex
	cached  []byte
	expires time.Time
}

func NewService(logger *slog.Logger, m *metrics.Metrics, cfg VendorConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultVendorTimeout
	}
	return &Service{
		log:     logger,
		metrics: m,
		cfg:     cfg,
		client:  &http.Client{},
		now:     time.Now,
	}
}

// Credentials returns the vendor bundle, serving from cache within the TTL
// unless forced. A vendor failure returns the previous cached bundle when one
// exists; only a failure with nothing cached, or missing configuration,
// surfaces an error.
func (s *Service) Credentials(ctx context.Context, force bool) ([]byte, error) {
	s.mu.Lock()
	if !force && s.cached != nil && s.now().Before(s.expires) {
		body := s.cached
		s.mu.Unlock()
		return body, nil
	}
	s.mu.Unlock()

	if !s.cfg.Enabled() {
		return nil, ErrNotConfigured
	}

	body, err := s.fetchVendor(ctx)
	if err != nil {
		s.metrics.Inc(metrics.EventICEVendorFailures)
		s.mu.Lock()
		cached := s.cached
		s.mu.Unlock()
		if cached != nil {
			s.log.Warn("vendor call failed, serving stale credentials", "err", err)
			return cached, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.cached = body
	s.expires = s.now().Add(CacheTTL)
	s.mu.Unlock()
	s.log.Info("ice credentials refreshed from vendor")
	return body, nil
}

func (s *Service) fetchVendor(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"format":    "urls",
		"requestId": uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build vendor request: %w", err)
	}
	req.SetBasicAuth(s.cfg.Ident, s.cfg.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vendor request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read vendor response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("vendor status %d: %s", resp.StatusCode, body)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("vendor returned invalid JSON")
	}
	return body, nil
}

// Handler serves GET /ice?force=<0|1>. The response body is the vendor bundle
// verbatim; clients normalize the shape themselves.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("force") == "1" || r.URL.Query().Get("force") == "true"

		body, err := s.Credentials(r.Context(), force)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, ErrNotConfigured) {
				status = http.StatusInternalServerError
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		s.metrics.Inc(metrics.EventICEConfigServed)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
}
