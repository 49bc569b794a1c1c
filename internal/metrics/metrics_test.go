package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsRecordsNothing(t *testing.T) {
	var m *Metrics
	m.MustRegister(nil)
	m.ThreadCreated()
	m.ThreadClosed(true)
	m.MessageRelayed("dm")
	m.ObserveRequest("/api/v1/logs", "GET", 200, time.Millisecond)
}

func TestMetricsCount(t *testing.T) {
	m := New()
	m.MustRegister(prometheus.NewRegistry())

	m.SetOpenThreads(3)
	m.ThreadCreated()
	m.ThreadClosed(false)
	m.ThreadClosed(true)
	m.ThreadClosed(true)
	m.MessageRelayed("thread")
	m.LinkFailure("dm_message_not_found")
	m.Dropped()
	m.ObserveRequest("/api/v1/logs", "GET", 404, time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ThreadsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThreadsCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ThreadsClosed.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRelayed.WithLabelValues("thread")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LinkFailures.WithLabelValues("dm_message_not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/api/v1/logs", "GET", "404")))
}
