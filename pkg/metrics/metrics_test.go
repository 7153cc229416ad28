package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheus(reg).(*prometheusRecorder)

	r.ConnAccepted()
	r.ConnAccepted()
	r.ConnClosed("idle")
	r.ConnRejected("ceiling")
	r.TaskSubmitted("read", 3)
	r.BytesRead(10)
	r.BytesWritten(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.accepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.active))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.closed.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejected.WithLabelValues("ceiling")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasks.WithLabelValues("read")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.queueDepth))
	assert.Equal(t, 10.0, testutil.ToFloat64(r.bytesRead))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.bytesWritten))
}

func TestNoop(t *testing.T) {
	var r Recorder = Noop{}
	r.ConnAccepted()
	r.ConnRejected("x")
	r.ConnClosed("x")
	r.TaskSubmitted("read", 1)
	r.BytesRead(1)
	r.BytesWritten(1)
}
