package orthophoto

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the pipeline counters exposed on /metrics.
type Metrics struct {
	requests     *prometheus.CounterVec
	tilesRead    prometheus.Counter
	readFailures prometheus.Counter
	duration     prometheus.Histogram
}

// NewMetrics creates the pipeline metrics and registers them on reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orthomosaic_requests_total",
			Help: "Image requests by placement layout.",
		}, []string{"layout"}),
		tilesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orthomosaic_tiles_read_total",
			Help: "Tile windows read successfully.",
		}),
		readFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orthomosaic_tile_read_failures_total",
			Help: "Tile windows that could not be read and were left black.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orthomosaic_request_duration_seconds",
			Help:    "Time to produce one image.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.3, 0.6, 1, 3, 6},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.tilesRead, m.readFailures, m.duration)
	}
	return m
}
