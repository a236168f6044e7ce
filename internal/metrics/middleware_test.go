package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/jobs/{jobId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/download/{jobId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	for _, path := range []string{"/api/jobs/abc", "/download/abc"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET 200 to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "410")); val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET 410 to be 1, got %f", val)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val != 2 {
		t.Errorf("Expected two route patterns observed, got %d", val)
	}
}
