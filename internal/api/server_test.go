package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/stats"
)

type fakeStats struct {
	summary stats.Summary
}

func (f fakeStats) Snapshot() stats.Summary { return f.summary }

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerHealthz(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, zap.NewNop())
	rec := serve(t, server.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerReadyzFollowsSetReady(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, serve(t, server.Handler(), "/readyz").Code)

	server.SetReady(true)
	rec := serve(t, server.Handler(), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestServerRequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestServerStats(t *testing.T) {
	t.Parallel()

	started := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	src := fakeStats{summary: stats.Summary{
		Submitted:   12,
		Admitted:    340,
		FailedTerms: 1,
		StartedAt:   started,
		Elapsed:     90 * time.Second,
	}}
	server := NewServer(src, nil, zap.NewNop())

	rec := serve(t, server.Handler(), "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body statsDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 12, body.Submitted)
	require.Equal(t, 340, body.Admitted)
	require.Equal(t, 1, body.FailedTerms)
	require.True(t, started.Equal(body.StartedAt))
	require.InDelta(t, 90.0, body.ElapsedSeconds, 0.001)
}

func TestServerStatsUnavailable(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, zap.NewNop())
	rec := serve(t, server.Handler(), "/v1/stats")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, zap.NewNop())
	rec := serve(t, server.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerUnknownRoute(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, zap.NewNop())
	require.Equal(t, http.StatusNotFound, serve(t, server.Handler(), "/v1/jobs").Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := serve(t, h, "/")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}
