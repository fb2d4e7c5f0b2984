// Package observability exposes Prometheus metrics for the synchronization
// loop and implements syncmode.Observer so the core stays free of a metrics
// dependency.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncCollector bundles Prometheus metrics for the frame synchronizer.
type SyncCollector struct {
	gatherer prometheus.Gatherer

	TicksTotal    prometheus.Counter
	StaleDiscards *prometheus.CounterVec
	Timeouts      *prometheus.CounterVec
	GatherSeconds prometheus.Histogram
	ActiveSources prometheus.Gauge
}

// NewSyncCollector registers the synchronizer metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Registration is idempotent: an already-registered collector of the same
// type is reused.
func NewSyncCollector(reg prometheus.Registerer) (*SyncCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_ticks_total",
		Help: "Total number of successfully aligned simulation steps.",
	}), "sync_ticks_total")
	if err != nil {
		return nil, err
	}

	stale := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_stale_discards_total",
		Help: "Items discarded because they belonged to a prior step, labeled by source.",
	}, []string{"source"})
	stale, err = registerCounterVec(reg, stale, "sync_stale_discards_total")
	if err != nil {
		return nil, err
	}

	timeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_timeouts_total",
		Help: "Tick calls that timed out waiting for a source, labeled by source.",
	}, []string{"source"})
	timeouts, err = registerCounterVec(reg, timeouts, "sync_timeouts_total")
	if err != nil {
		return nil, err
	}

	gather, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_gather_duration_seconds",
		Help:    "Wall time spent gathering one aligned bundle after the step.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}), "sync_gather_duration_seconds")
	if err != nil {
		return nil, err
	}

	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_active_sources",
		Help: "Number of sources subscribed to the active synchronization scope.",
	}), "sync_active_sources")
	if err != nil {
		return nil, err
	}

	return &SyncCollector{
		gatherer:      gatherer,
		TicksTotal:    ticks,
		StaleDiscards: stale,
		Timeouts:      timeouts,
		GatherSeconds: gather,
		ActiveSources: active,
	}, nil
}

// Handler returns an HTTP handler exposing the collector's registry.
func (c *SyncCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// TickCompleted satisfies syncmode.Observer.
func (c *SyncCollector) TickCompleted(frame uint64, gather time.Duration) {
	if c == nil {
		return
	}
	c.TicksTotal.Inc()
	c.GatherSeconds.Observe(gather.Seconds())
}

// StaleDiscarded satisfies syncmode.Observer.
func (c *SyncCollector) StaleDiscarded(source string) {
	if c == nil {
		return
	}
	c.StaleDiscards.WithLabelValues(source).Inc()
}

// TimedOut satisfies syncmode.Observer.
func (c *SyncCollector) TimedOut(source string) {
	if c == nil {
		return
	}
	c.Timeouts.WithLabelValues(source).Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
