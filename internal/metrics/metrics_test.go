package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, crawlSessionsTotal)
	require.NotNil(t, reviewsIngestedTotal)
	require.NotNil(t, activeCrawls)
}

func TestObserveIngestSkipsEmptyOutcomes(t *testing.T) {
	Init()
	before := testutil.ToFloat64(reviewsIngestedTotal.WithLabelValues("platform_c", "new"))
	ObserveIngest("platform_c", "new", 0)
	ObserveIngest("platform_c", "new", 3)
	after := testutil.ToFloat64(reviewsIngestedTotal.WithLabelValues("platform_c", "new"))
	require.Equal(t, 3.0, after-before)
}

func TestActiveCrawlsGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(activeCrawls)
	IncActiveCrawls()
	IncActiveCrawls()
	DecActiveCrawls()
	require.Equal(t, before+1, testutil.ToFloat64(activeCrawls))
	DecActiveCrawls()
}

func TestObserveCycle(t *testing.T) {
	Init()
	before := testutil.ToFloat64(cycleStoresTotal.WithLabelValues("completed"))
	ObserveCycle(2*time.Second, map[string]int{"completed": 2, "failed": 0})
	require.Equal(t, 2.0, testutil.ToFloat64(cycleStoresTotal.WithLabelValues("completed"))-before)
	require.Positive(t, testutil.CollectAndCount(cycleDurationSeconds))
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	missBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))
	for _, path := range []string{"/ok", "/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, 1.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))-okBefore)
	require.Equal(t, 1.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))-missBefore)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
