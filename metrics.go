package sessionkey

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a snapshot of a radio's session counters.
type Stats struct {
	KeysIssued       uint64 // key requests answered (receiver side)
	KeysLearned      uint64 // keys received after a request (sender side)
	KeysMatched      uint64 // session data frames accepted, ACKs excluded
	KeyMismatches    uint64 // session data frames rejected for a wrong key, ACKs excluded
	Timeouts         uint64 // send attempts abandoned without a key
	AcksSent         uint64 // ACK frames transmitted, redundant copies included
	FramesSuppressed uint64 // receive polls refused by the replay filter
}

// sessionStats holds the live counters behind Stats.
type sessionStats struct {
	keysIssued       atomic.Uint64
	keysLearned      atomic.Uint64
	keysMatched      atomic.Uint64
	keyMismatches    atomic.Uint64
	timeouts         atomic.Uint64
	acksSent         atomic.Uint64
	framesSuppressed atomic.Uint64
}

func (s *sessionStats) snapshot() Stats {
	return Stats{
		KeysIssued:       s.keysIssued.Load(),
		KeysLearned:      s.keysLearned.Load(),
		KeysMatched:      s.keysMatched.Load(),
		KeyMismatches:    s.keyMismatches.Load(),
		Timeouts:         s.timeouts.Load(),
		AcksSent:         s.acksSent.Load(),
		FramesSuppressed: s.framesSuppressed.Load(),
	}
}

// Metrics exports session outcomes to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	outcomes   *prometheus.CounterVec
	acksSent   prometheus.Counter
	suppressed *prometheus.CounterVec
}

// NewMetrics creates the collectors for one node and registers them with reg.
// A nil reg skips registration, which is handy in tests.
func NewMetrics(reg prometheus.Registerer, node string) (*Metrics, error) {
	labels := prometheus.Labels{"node": node}
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "sessionkey",
				Subsystem:   "negotiation",
				Name:        "outcomes_total",
				Help:        "Session negotiation steps by resulting status.",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		acksSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "sessionkey",
				Subsystem:   "ack",
				Name:        "frames_sent_total",
				Help:        "ACK frames transmitted, redundant copies included.",
				ConstLabels: labels,
			},
		),
		suppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "sessionkey",
				Subsystem:   "replay_filter",
				Name:        "suppressed_total",
				Help:        "Received frames withheld from the caller.",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.outcomes, m.acksSent, m.suppressed} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeStatus(s SessionStatus) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) observeAck() {
	if m == nil {
		return
	}
	m.acksSent.Inc()
}

func (m *Metrics) observeSuppressed(v Verdict) {
	if m == nil {
		return
	}
	m.suppressed.WithLabelValues(v.String()).Inc()
}
