package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	InitMetrics("test", "node-1")

	RecordCallOpened("chat")
	RecordCallOpened("chat")
	RecordCallClosed("chat", "closed by caller", 30*time.Second)
	RecordRejection("invalid_message")
	SetCallsActive(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(callsTotal.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(callsClosed.WithLabelValues("chat", "closed by caller")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rejections.WithLabelValues("invalid_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(callsActive))
}

func TestHandlerExposesBorderMetrics(t *testing.T) {
	RecordNotification("new_call")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "border_notifications_total"))
}
