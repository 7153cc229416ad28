package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives connection and task events from the server. All methods
// must be safe for concurrent use and must not block.
type Recorder interface {
	ConnAccepted()
	ConnRejected(reason string)
	ConnClosed(reason string)
	TaskSubmitted(kind string, queued int)
	BytesRead(n int)
	BytesWritten(n int)
}

// Noop discards everything.
type Noop struct{}

func (Noop) ConnAccepted()             {}
func (Noop) ConnRejected(string)       {}
func (Noop) ConnClosed(string)         {}
func (Noop) TaskSubmitted(string, int) {}
func (Noop) BytesRead(int)             {}
func (Noop) BytesWritten(int)          {}

type prometheusRecorder struct {
	accepted     prometheus.Counter
	rejected     *prometheus.CounterVec
	closed       *prometheus.CounterVec
	active       prometheus.Gauge
	tasks        *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
}

// NewPrometheus registers the server metrics with reg.
func NewPrometheus(reg prometheus.Registerer) Recorder {
	return &prometheusRecorder{
		accepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "evserver_connections_accepted_total",
			Help: "Total number of accepted and registered connections",
		}),
		rejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "evserver_connections_rejected_total",
			Help: "Total number of connections refused with the busy payload",
		}, []string{"reason"}),
		closed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "evserver_connections_closed_total",
			Help: "Total number of closed connections",
		}, []string{"reason"}),
		active: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "evserver_connections_active",
			Help: "Number of currently registered connections",
		}),
		tasks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "evserver_tasks_submitted_total",
			Help: "Total number of tasks handed to the worker pool",
		}, []string{"kind"}),
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "evserver_task_queue_depth",
			Help: "Worker pool queue length observed at the last submit",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "evserver_read_bytes_total",
			Help: "Total bytes read from connections",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "evserver_written_bytes_total",
			Help: "Total bytes written to connections",
		}),
	}
}

func (m *prometheusRecorder) ConnAccepted() {
	m.accepted.Inc()
	m.active.Inc()
}

func (m *prometheusRecorder) ConnRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *prometheusRecorder) ConnClosed(reason string) {
	m.closed.WithLabelValues(reason).Inc()
	m.active.Dec()
}

func (m *prometheusRecorder) TaskSubmitted(kind string, queued int) {
	m.tasks.WithLabelValues(kind).Inc()
	m.queueDepth.Set(float64(queued))
}

func (m *prometheusRecorder) BytesRead(n int) {
	m.bytesRead.Add(float64(n))
}

func (m *prometheusRecorder) BytesWritten(n int) {
	m.bytesWritten.Add(float64(n))
}
