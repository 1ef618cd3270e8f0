package metrics

import "sync"

// Event names incremented by the relay. Names are intentionally simple; they
// surface through the Prometheus handler with an `event` label.
const (
	EventConnections       = "ws_connections"
	EventRoomsCreated      = "rooms_created"
	EventRoomsRemoved      = "rooms_removed"
	EventGuestsJoined      = "guests_joined"
	EventForwarded         = "messages_forwarded"
	EventBroadcast         = "messages_broadcast"
	EventDroppedNoTarget   = "messages_dropped_no_target"
	EventDroppedInvalid    = "messages_dropped_invalid"
	EventDroppedNotHost    = "messages_dropped_not_host"
	EventRateLimited       = "rate_limited"
	EventICEConfigServed   = "ice_config_served"
	EventICEVendorFailures = "ice_vendor_failures"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps routing and enforcement logic testable without dragging a metrics
// client into every package; scraping happens via PrometheusHandler. A nil
// *Metrics is valid and counts nothing.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
