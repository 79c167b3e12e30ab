// Package metrics exports engine events as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bizflycloud/feather/pkg/retention"
)

const namespace = "feather"

// Recorder is a retention.Observer that updates Prometheus collectors.
//
// Metrics:
//   - feather_archives_created_total: archives created by target and level
//   - feather_archives_deleted_total: archives deleted by level
//   - feather_command_failures_total: failed tarsnap invocations by operation
//   - feather_archive_parse_errors_total: listing entries that are not feather archives
//   - feather_run_duration_seconds: wall time of complete runs
//   - feather_last_run_timestamp_seconds: completion time of the last run
//   - feather_last_run_success: 1 if the last run finished without a fatal error
type Recorder struct {
	created       *prometheus.CounterVec
	deleted       *prometheus.CounterVec
	failures      *prometheus.CounterVec
	parseErrors   prometheus.Counter
	runDuration   prometheus.Histogram
	lastRun       prometheus.Gauge
	lastRunResult prometheus.Gauge

	now func() time.Time
}

var _ retention.Observer = (*Recorder)(nil)

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		created: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archives_created_total",
				Help:      "Archives created by target and level",
			},
			[]string{"target", "level"},
		),
		deleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archives_deleted_total",
				Help:      "Archives deleted by level",
			},
			[]string{"level"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_failures_total",
				Help:      "Failed tarsnap invocations by operation",
			},
			[]string{"op"},
		),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_parse_errors_total",
			Help:      "Listing entries not recognized as feather archives",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of complete runs",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run completed",
		}),
		lastRunResult: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run completed without a fatal error",
		}),
		now: time.Now,
	}

	for _, c := range []prometheus.Collector{
		r.created, r.deleted, r.failures, r.parseErrors,
		r.runDuration, r.lastRun, r.lastRunResult,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ArchiveCreated(target, level, name string) {
	r.created.WithLabelValues(target, level).Inc()
}

func (r *Recorder) ArchiveDeleted(target, level, name string) {
	r.deleted.WithLabelValues(level).Inc()
}

func (r *Recorder) ArchiveUnparsed(name string) {
	r.parseErrors.Inc()
}

func (r *Recorder) CommandFailed(op, name string, err error) {
	r.failures.WithLabelValues(op).Inc()
}

func (r *Recorder) RunCompleted(report *retention.Report, err error, elapsed time.Duration) {
	r.runDuration.Observe(elapsed.Seconds())
	r.lastRun.Set(float64(r.now().Unix()))
	if err != nil {
		r.lastRunResult.Set(0)
		return
	}
	r.lastRunResult.Set(1)
}
