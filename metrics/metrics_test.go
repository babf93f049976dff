package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/metrics", m.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/ping", "GET", "204")))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "teai_http_requests_total")
}

func TestObserversAreNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveInstanceAction("create", nil)
		m.ObserveWebhook("checkout.session.completed", "credited")
		m.AddCredits(10)
		m.ObserveBootstrap("created")
	})
}

func TestObserveInstanceAction(t *testing.T) {
	m := New()
	m.ObserveInstanceAction("stop", nil)
	m.ObserveInstanceAction("stop", errors.New("boom"))
	m.AddCredits(5000)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InstanceActions.WithLabelValues("stop", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InstanceActions.WithLabelValues("stop", "error")))
	assert.Equal(t, 5000.0, testutil.ToFloat64(m.CreditsGranted))
}
