package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus instruments for the relay pipeline.
type Metrics struct {
	blocksScanned      prometheus.Counter
	eventsRelayed      prometheus.Counter
	relayFailures      prometheus.Counter
	decodeErrors       prometheus.Counter
	dedupSkips         prometheus.Counter
	tickErrors         prometheus.Counter
	lastProcessedBlock prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			blocksScanned: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_relay_blocks_scanned_total",
				Help: "Total number of source blocks scanned",
			}),
			eventsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_relay_events_relayed_total",
				Help: "Total number of events relayed to the destination",
			}),
			relayFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_relay_relay_failures_total",
				Help: "Total number of failed relay attempts",
			}),
			decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_relay_decode_errors_total",
				Help: "Total number of logs skipped due to decode errors",
			}),
			dedupSkips: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_relay_dedup_skips_total",
				Help: "Total number of already-processed events skipped",
			}),
			tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_relay_tick_errors_total",
				Help: "Total number of tick failures sent to backoff",
			}),
			lastProcessedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bridge_relay_last_processed_block",
				Help: "Last fully processed source block",
			}),
		}
		prometheus.MustRegister(
			metrics.blocksScanned,
			metrics.eventsRelayed,
			metrics.relayFailures,
			metrics.decodeErrors,
			metrics.dedupSkips,
			metrics.tickErrors,
			metrics.lastProcessedBlock,
		)
	})
	return metrics
}

// BlocksScanned adds n to the scanned block counter.
func (m *Metrics) BlocksScanned(n uint64) {
	if m != nil {
		m.blocksScanned.Add(float64(n))
	}
}

// EventRelayed increments the relayed event counter.
func (m *Metrics) EventRelayed() {
	if m != nil {
		m.eventsRelayed.Inc()
	}
}

// RelayFailure increments the failed attempt counter.
func (m *Metrics) RelayFailure() {
	if m != nil {
		m.relayFailures.Inc()
	}
}

// DecodeError increments the decode error counter.
func (m *Metrics) DecodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

// DedupSkip increments the duplicate skip counter.
func (m *Metrics) DedupSkip() {
	if m != nil {
		m.dedupSkips.Inc()
	}
}

// TickError increments the tick failure counter.
func (m *Metrics) TickError() {
	if m != nil {
		m.tickErrors.Inc()
	}
}

// CursorAt records the current cursor position.
func (m *Metrics) CursorAt(block uint64) {
	if m != nil {
		m.lastProcessedBlock.Set(float64(block))
	}
}

// Handler returns an HTTP handler for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
