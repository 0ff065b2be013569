package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for coordinator operations.
type Observer interface {
	RecordOperation(op string, duration time.Duration, err error)
	RecordChunkBytes(sizeBytes int64)
	RecordConflict(op string)
}

// PrometheusObserver exports coordinator metrics to Prometheus.
type PrometheusObserver struct {
	operationDuration *prometheus.HistogramVec
	operationErrors   *prometheus.CounterVec
	versionConflicts  *prometheus.CounterVec
	chunkBytes        prometheus.Counter
}

func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "uploads"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	observer := &PrometheusObserver{
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of upload session operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Failed upload session operations by error code.",
		}, []string{"operation", "code"}),
		versionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Optimistic concurrency conflicts that forced a re-read.",
		}, []string{"operation"}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Bytes accepted into remote multipart uploads.",
		}),
	}

	collectors := []prometheus.Collector{
		observer.operationDuration,
		observer.operationErrors,
		observer.versionConflicts,
		observer.chunkBytes,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, fmt.Errorf("register uploads metric: %w", err)
		}
	}
	return observer, nil
}

func (o *PrometheusObserver) RecordOperation(op string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		o.operationErrors.WithLabelValues(op, string(apperror.CodeOf(err))).Inc()
	}
}

func (o *PrometheusObserver) RecordChunkBytes(sizeBytes int64) {
	if o == nil {
		return
	}
	o.chunkBytes.Add(float64(sizeBytes))
}

func (o *PrometheusObserver) RecordConflict(op string) {
	if o == nil {
		return
	}
	o.versionConflicts.WithLabelValues(op).Inc()
}

type NopObserver struct{}

func (NopObserver) RecordOperation(string, time.Duration, error) {}
func (NopObserver) RecordChunkBytes(int64)                       {}
func (NopObserver) RecordConflict(string)                        {}
