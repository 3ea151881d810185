package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eac"

// Recorder holds the pipeline's Prometheus instruments. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	stageDuration      *prometheus.HistogramVec
	rfcmIterations     prometheus.Histogram
	rfcmNonConverged   prometheus.Counter
	degenerateClusters *prometheus.CounterVec
	viewsSkipped       *prometheus.CounterVec
	dtwPairs           prometheus.Counter
	cacheLookups       *prometheus.CounterVec
	anomalousNodes     prometheus.Gauge
	consensusClusters  prometheus.Gauge
}

// NewRecorder creates the instruments and registers them on reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Subsystem: "pipeline", Name: "stage_duration_seconds", Help: "Duration of each pipeline stage.", Buckets: prometheus.ExponentialBuckets(0.001, 4, 10)},
			[]string{"stage", "status"},
		),
		rfcmIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Subsystem: "rfcm", Name: "iterations", Help: "Iterations used per TS-RFCM run.", Buckets: prometheus.LinearBuckets(5, 10, 10)},
		),
		rfcmNonConverged: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "rfcm", Name: "nonconverged_total", Help: "TS-RFCM runs that reached the iteration cap."},
		),
		degenerateClusters: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "rfcm", Name: "degenerate_clusters_total", Help: "Clusters that lost all membership mass, by recovery action."},
			[]string{"action"},
		),
		viewsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "ensemble", Name: "views_skipped_total", Help: "Ensemble views skipped, by reason."},
			[]string{"reason"},
		),
		dtwPairs: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "dtw", Name: "pairs_computed_total", Help: "DTW distances computed (cache misses included, hits excluded)."},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "dtw", Name: "cache_lookups_total", Help: "DTW cache lookups by result."},
			[]string{"result"},
		),
		anomalousNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "anomaly", Name: "nodes", Help: "Nodes labelled anomalous by the latest run."},
		),
		consensusClusters: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "consensus", Name: "clusters", Help: "Clusters in the latest consensus partition."},
		),
	}

	for _, c := range []prometheus.Collector{
		r.stageDuration, r.rfcmIterations, r.rfcmNonConverged, r.degenerateClusters,
		r.viewsSkipped, r.dtwPairs, r.cacheLookups, r.anomalousNodes, r.consensusClusters,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ObserveStage(stage, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (r *Recorder) ObserveRFCM(iterations int, converged bool) {
	if r == nil {
		return
	}
	r.rfcmIterations.Observe(float64(iterations))
	if !converged {
		r.rfcmNonConverged.Inc()
	}
}

// DegenerateCluster counts a recovery; action is "reseeded" or "dropped".
func (r *Recorder) DegenerateCluster(action string) {
	if r == nil {
		return
	}
	r.degenerateClusters.WithLabelValues(action).Inc()
}

func (r *Recorder) ViewSkipped(reason string) {
	if r == nil {
		return
	}
	r.viewsSkipped.WithLabelValues(reason).Inc()
}

func (r *Recorder) PairComputed() {
	if r == nil {
		return
	}
	r.dtwPairs.Inc()
}

func (r *Recorder) CacheHit() {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues("hit").Inc()
}

func (r *Recorder) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues("miss").Inc()
}

func (r *Recorder) SetConsensus(clusters, anomalous int) {
	if r == nil {
		return
	}
	r.consensusClusters.Set(float64(clusters))
	r.anomalousNodes.Set(float64(anomalous))
}
