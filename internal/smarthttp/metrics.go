package smarthttp

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "gitcellar"
	metricsSubsystem = "git"
)

// Metrics tracks the domain counters for the Smart HTTP service: packs
// received/sent, objects walked per upload-pack, and deferred-queue
// resolution passes taken by the incoming pack reader. A nil *Metrics is
// valid and every method becomes a no-op, so tests and callers that do
// not care about metrics can omit it from Options.
type Metrics struct {
	packsReceived  prometheus.Counter
	packsSent      prometheus.Counter
	objectsWalked  prometheus.Histogram
	deferredPasses prometheus.Histogram
	refUpdates     *prometheus.CounterVec
}

// NewMetrics registers the Smart HTTP domain counters against reg. A nil
// reg skips registration (useful in tests that construct a Metrics value
// purely to exercise the increment call sites).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "packs_received_total",
			Help:      "Total number of packs accepted by git-receive-pack.",
		}),
		packsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "packs_sent_total",
			Help:      "Total number of packs written by git-upload-pack.",
		}),
		objectsWalked: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "objects_walked",
			Help:      "Number of reachable objects enumerated per upload-pack request.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		deferredPasses: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "deferred_delta_passes",
			Help:      "Number of resolution passes over the REF_DELTA deferred queue per incoming pack.",
			Buckets:   prometheus.LinearBuckets(0, 1, 10),
		}),
		refUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ref_updates_total",
			Help:      "Total number of ref update attempts by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.packsReceived, m.packsSent, m.objectsWalked, m.deferredPasses, m.refUpdates)
	}
	return m
}

func (m *Metrics) recordPackReceived() {
	if m == nil {
		return
	}
	m.packsReceived.Inc()
}

func (m *Metrics) recordPackSent() {
	if m == nil {
		return
	}
	m.packsSent.Inc()
}

func (m *Metrics) observeObjectsWalked(n int) {
	if m == nil {
		return
	}
	m.objectsWalked.Observe(float64(n))
}

func (m *Metrics) observeDeferredPasses(n int) {
	if m == nil {
		return
	}
	m.deferredPasses.Observe(float64(n))
}

func (m *Metrics) recordRefUpdate(outcome string) {
	if m == nil {
		return
	}
	m.refUpdates.WithLabelValues(outcome).Inc()
}
