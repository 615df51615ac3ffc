package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.DialAttempt("chat")
	m.DialAttempt("chat")
	m.Connected("chat")
	m.Event("chat", "ok")
	m.Request("conversations", 200, 15*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `chatline_realtime_dial_attempts_total{session="chat"} 2`))
	require.True(t, strings.Contains(body, `chatline_realtime_connects_total{session="chat"} 1`))
	require.True(t, strings.Contains(body, `chatline_http_requests_total{endpoint="conversations",status="200"} 1`))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.DialAttempt("x")
	m.Queued("x")
	m.Request("x", 500, time.Second)
	require.Nil(t, m.Registry())
}
