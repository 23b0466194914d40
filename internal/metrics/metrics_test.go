package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesInstruments(t *testing.T) {
	reg := NewRegistry()
	m := New(reg)
	m.FramesReceived.Add(3)
	m.ChannelSends.WithLabelValues("radio", "ok").Inc()
	SetBool(m.RestartEnabled, true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RestartEnabled))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "driverio_frames_received_total 3")
	assert.Contains(t, body, `driverio_channel_sends_total{channel="radio",result="ok"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestDiscardIsIndependent(t *testing.T) {
	a, b := Discard(), Discard()
	a.DecodeErrors.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DecodeErrors))
}
