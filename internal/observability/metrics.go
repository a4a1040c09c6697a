package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "avatarcore"

type moduleMetrics struct {
	queueSize    prometheus.Gauge
	queueRunning prometheus.Gauge
	enqueueTotal prometheus.Counter
	taskTotal    *prometheus.CounterVec
	taskDuration prometheus.Histogram

	activeSessions   prometheus.Gauge
	sessionsCreated  prometheus.Counter
	sessionsRejected *prometheus.CounterVec
	sessionsRemoved  *prometheus.CounterVec
	heartbeatMisses  prometheus.Counter
	memoryRatio      prometheus.Gauge
	memoryBytes      prometheus.Gauge

	segmentTotal    *prometheus.CounterVec
	segmentDuration *prometheus.HistogramVec
	turnTotal       *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	handlerInit     *prometheus.CounterVec

	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_size",
				Help:      "Segment tasks waiting for a worker slot.",
			}),
			queueRunning: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_running",
				Help:      "Segment tasks currently holding a worker slot.",
			}),
			enqueueTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_enqueue_total",
				Help:      "Total segment tasks submitted to the worker queue.",
			}),
			taskTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_task_total",
				Help:      "Completed worker tasks by status.",
			}, []string{"status"}),
			taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_task_duration_seconds",
				Help:      "Worker task execution duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Current active session count.",
			}),
			sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Total sessions created.",
			}),
			sessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_rejected_total",
				Help:      "Session creations refused by reason.",
			}, []string{"reason"}),
			sessionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_removed_total",
				Help:      "Sessions removed by reason.",
			}, []string{"reason"}),
			heartbeatMisses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_misses_total",
				Help:      "Heartbeat intervals that elapsed without inbound traffic.",
			}),
			memoryRatio: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_ceiling_ratio",
				Help:      "Process memory usage divided by the configured ceiling.",
			}),
			memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Last probed process memory usage.",
			}),
			segmentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_total",
				Help:      "Segments finished by outcome.",
			}, []string{"status"}),
			segmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "segment_stage_duration_seconds",
				Help:      "Synthesis and render stage durations.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			}, []string{"stage"}),
			turnTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Conversation turns by kind and status.",
			}, []string{"kind", "status"}),
			turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Turn duration from request to final frame.",
				Buckets:   prometheus.DefBuckets,
			}),
			handlerInit: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_init_total",
				Help:      "Lazy handler initialisations by role and status.",
			}, []string{"role", "status"}),
			framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_sent_total",
				Help:      "Outbound frames by type.",
			}, []string{"type"}),
			framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_received_total",
				Help:      "Inbound frames by type.",
			}, []string{"type"}),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.queueRunning,
			m.enqueueTotal,
			m.taskTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionsCreated,
			m.sessionsRejected,
			m.sessionsRemoved,
			m.heartbeatMisses,
			m.memoryRatio,
			m.memoryBytes,
			m.segmentTotal,
			m.segmentDuration,
			m.turnTotal,
			m.turnDuration,
			m.handlerInit,
			m.framesSent,
			m.framesReceived,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(queueSize int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.queueSize.Set(float64(queueSize))
}

func SetQueueState(queueSize, running int) {
	m := getMetrics()
	m.queueSize.Set(float64(queueSize))
	m.queueRunning.Set(float64(running))
}

func RecordQueueCompletion(duration time.Duration, success bool, queueSize, running int) {
	m := getMetrics()
	m.taskTotal.WithLabelValues(statusLabel(success)).Inc()
	m.taskDuration.Observe(duration.Seconds())
	m.queueSize.Set(float64(queueSize))
	m.queueRunning.Set(float64(running))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionCreated() {
	getMetrics().sessionsCreated.Inc()
}

func RecordSessionRejected(reason string) {
	getMetrics().sessionsRejected.WithLabelValues(reason).Inc()
}

func RecordSessionRemoved(reason string) {
	getMetrics().sessionsRemoved.WithLabelValues(reason).Inc()
}

func RecordHeartbeatMiss() {
	getMetrics().heartbeatMisses.Inc()
}

func SetMemoryUsage(bytes uint64, ratio float64) {
	m := getMetrics()
	m.memoryBytes.Set(float64(bytes))
	m.memoryRatio.Set(ratio)
}

// RecordSegment counts a finished segment; status is "delivered" or "failed".
func RecordSegment(status string) {
	getMetrics().segmentTotal.WithLabelValues(status).Inc()
}

// RecordSegmentStage observes one stage ("synthesize" or "render") of a segment.
func RecordSegmentStage(stage string, duration time.Duration) {
	getMetrics().segmentDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordTurn(kind string, duration time.Duration, success bool) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(kind, statusLabel(success)).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordHandlerInit(role string, success bool) {
	getMetrics().handlerInit.WithLabelValues(role, statusLabel(success)).Inc()
}

func RecordFrameSent(frameType string) {
	getMetrics().framesSent.WithLabelValues(frameType).Inc()
}

func RecordFrameReceived(frameType string) {
	getMetrics().framesReceived.WithLabelValues(frameType).Inc()
}
