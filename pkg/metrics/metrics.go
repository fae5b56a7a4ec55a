package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "compressor"

// Metrics holds the collectors for the image pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Transcodes        *prometheus.CounterVec
	TranscodeDuration *prometheus.HistogramVec
	Passes            *prometheus.CounterVec
	StaleResults      prometheus.Counter
	CacheLookups      *prometheus.CounterVec
	LibraryImages     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transcodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcodes_total",
			Help:      "Transcode attempts by output format and result.",
		}, []string{"format", "result"}),
		TranscodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_duration_seconds",
			Help:      "Wall time of a single transcode.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"format"}),
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes by trigger.",
		}, []string{"trigger"}),
		StaleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Transcode results dropped because a newer generation started.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Version cache lookups by layer and result.",
		}, []string{"layer", "result"}),
		LibraryImages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "library_images",
			Help:      "Images currently held in the library.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Transcodes,
			m.TranscodeDuration,
			m.Passes,
			m.StaleResults,
			m.CacheLookups,
			m.LibraryImages,
		)
	}
	return m
}

func (m *Metrics) ObserveTranscode(format string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Transcodes.WithLabelValues(format, result).Inc()
	m.TranscodeDuration.WithLabelValues(format).Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePass(trigger string) {
	if m == nil {
		return
	}
	m.Passes.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ObserveStale() {
	if m == nil {
		return
	}
	m.StaleResults.Inc()
}

func (m *Metrics) ObserveCache(layer string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(layer, result).Inc()
}

func (m *Metrics) SetLibraryImages(n int) {
	if m == nil {
		return
	}
	m.LibraryImages.Set(float64(n))
}
