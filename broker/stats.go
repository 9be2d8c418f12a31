package broker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// overlayStats backs the built-in overlay.stats RPC (§4.3
// Observability): a counter per (type, direction, outcome), exposed
// both as a structured payload and as Prometheus counters so the
// broker's own metrics endpoint can scrape them the same way the
// teacher's daemons expose proxy/target stats.
type overlayStats struct {
	mu      sync.Mutex
	counts  map[string]int64
	metric  *prometheus.CounterVec
	lost    prometheus.Counter
}

func newOverlayStats(reg prometheus.Registerer) *overlayStats {
	s := &overlayStats{
		counts: make(map[string]int64),
		metric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flux_broker",
			Subsystem: "overlay",
			Name:      "messages_total",
			Help:      "Count of overlay messages by type, direction, and outcome.",
		}, []string{"type", "direction", "outcome"}),
		lost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flux_broker",
			Subsystem: "overlay",
			Name:      "peer_lost_total",
			Help:      "Count of peers that transitioned to the lost subtree state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.metric, s.lost)
	}
	return s
}

func (s *overlayStats) inc(t MsgType, direction, outcome string) {
	key := t.String() + "|" + direction + "|" + outcome
	s.mu.Lock()
	s.counts[key]++
	s.mu.Unlock()
	s.metric.WithLabelValues(t.String(), direction, outcome).Inc()
}

func (s *overlayStats) incPeerLost() { s.lost.Inc() }

// Snapshot returns the counters object returned by overlay.stats (§6).
func (s *overlayStats) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// overlayHandler is the single registration for the "overlay" service.
func overlayHandler(b *Broker, from *Peer, req *Message) *Message {
	switch req.Method() {
	case "stats":
		return overlayStatsHandler(b, from, req)
	default:
		return NewErrorResponse(req, ErrMethodNotFound, req.Topic)
	}
}

// overlayStatsHandler implements the overlay.stats built-in topic.
func overlayStatsHandler(b *Broker, _ *Peer, req *Message) *Message {
	resp := NewResponse(req)
	snap := b.stats.Snapshot()
	tree := make(map[string]any, len(snap))
	for k, v := range snap {
		tree[k] = v
	}
	resp.Structured = tree
	return resp
}
