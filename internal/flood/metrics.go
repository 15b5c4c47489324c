package flood

import "github.com/prometheus/client_golang/prometheus"

// Prometheus detector metrics. Per-monitor gauges are removed when the
// monitor finishes so finished runs do not linger as series.
var (
	cumulativeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "floodwatch",
			Subsystem: "flood",
			Name:      "cumulative_sum",
			Help:      "Current CUSUM statistic S_i of a running monitor.",
		},
		[]string{"monitor"},
	)
	thresholdGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "floodwatch",
			Subsystem: "flood",
			Name:      "adaptive_threshold",
			Help:      "Current adaptive threshold of a running monitor.",
		},
		[]string{"monitor"},
	)
	activeMonitors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "floodwatch",
			Subsystem: "flood",
			Name:      "active_monitors",
			Help:      "Number of streaming monitors currently running.",
		},
	)
	ticksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "floodwatch",
			Subsystem: "flood",
			Name:      "ticks_total",
			Help:      "Samples processed by streaming monitors.",
		},
	)
	detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "floodwatch",
			Subsystem: "flood",
			Name:      "detections_total",
			Help:      "Runs whose detection latch tripped.",
		},
		[]string{"mode"},
	)
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "floodwatch",
			Subsystem: "flood",
			Name:      "runs_total",
			Help:      "Finished runs by mode and outcome.",
		},
		[]string{"mode", "status"},
	)
	detectionDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "floodwatch",
			Subsystem: "flood",
			Name:      "detection_delay_seconds",
			Help:      "Delay from a known surge start to the first detection.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
	analyzeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "floodwatch",
			Subsystem: "flood",
			Name:      "analyze_duration_seconds",
			Help:      "Wall time of batch analyses.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		cumulativeGauge,
		thresholdGauge,
		activeMonitors,
		ticksTotal,
		detectionsTotal,
		runsTotal,
		detectionDelay,
		analyzeDuration,
	)
}

// observeReport records the outcome of a finished run.
func observeReport(r *Report) {
	runsTotal.WithLabelValues(string(r.Mode), r.Status).Inc()
	if r.Detected {
		detectionsTotal.WithLabelValues(string(r.Mode)).Inc()
	}
	if r.DetectionDelay != nil {
		detectionDelay.Observe(*r.DetectionDelay)
	}
}
