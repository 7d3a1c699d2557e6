package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"imgurproxy/rewrite"
)

func TestObserveEngine(t *testing.T) {
	writes := testutil.ToFloat64(RewriteWrites)
	injected := testutil.ToFloat64(Stylesheets.WithLabelValues("injected"))
	failed := testutil.ToFloat64(Stylesheets.WithLabelValues("failed"))
	skipped := testutil.ToFloat64(Stylesheets.WithLabelValues("skipped"))

	ObserveEngine(rewrite.Stats{Writes: 3, Fetches: 4, Injected: 2, FetchFailures: 1})

	assert.Equal(t, writes+3, testutil.ToFloat64(RewriteWrites))
	assert.Equal(t, injected+2, testutil.ToFloat64(Stylesheets.WithLabelValues("injected")))
	assert.Equal(t, failed+1, testutil.ToFloat64(Stylesheets.WithLabelValues("failed")))
	assert.Equal(t, skipped+1, testutil.ToFloat64(Stylesheets.WithLabelValues("skipped")))
}

func TestHandler(t *testing.T) {
	ImageRequests.WithLabelValues("hit").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `imgurproxy_image_requests_total{outcome="hit"}`)
}
