package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/staging"
)

var (
	_ entitlement.Recorder = (*Metrics)(nil)
	_ staging.Recorder     = (*Metrics)(nil)
)

func TestObserve(t *testing.T) {
	m := New()

	m.Observe("unlock", nil, 10*time.Millisecond)
	m.Observe("unlock", nil, 5*time.Millisecond)
	m.Observe("unlock", fmt.Errorf("wrap: %w", apperr.ErrInsufficientCredits), time.Millisecond)
	m.Observe("merge", fmt.Errorf("boom"), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("unlock", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("unlock", "insufficient_credits")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("merge", "persistence_failure")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestCreditsAndRows(t *testing.T) {
	m := New()

	m.CreditsMoved(entitlement.ReasonAdminGrant, 10)
	m.CreditsMoved(entitlement.ReasonUnlock, -3)
	m.CreditsMoved(entitlement.ReasonUnlock, 0)
	m.RowsMerged("inserted", 4)
	m.RowsMerged("skipped", 0)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.credits.WithLabelValues("admin_grant", "in")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.credits.WithLabelValues("unlock", "out")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.credits))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.rowsMerged.WithLabelValues("inserted")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.rowsMerged), "zero counts create no series")
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/batches/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())

	for _, path := range []string{"/batches/a", "/batches/b", "/ok"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/batches/{id}", "GET", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/ok", "GET", "200")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `leadvault_http_requests_total{method="GET",route="/batches/{id}",status="404"} 2`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
