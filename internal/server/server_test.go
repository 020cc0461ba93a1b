package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickjm/funnelcheck/internal/history"
	"github.com/patrickjm/funnelcheck/internal/invoker"
	"github.com/patrickjm/funnelcheck/internal/report"
)

type stubRunner struct {
	res   invoker.Result
	err   error
	calls []string
}

func (s *stubRunner) Run(ctx context.Context, url string) (invoker.Result, error) {
	s.calls = append(s.calls, url)
	return s.res, s.err
}

func resultFor(rep report.Report) invoker.Result {
	raw, _ := json.Marshal(rep)
	return invoker.Result{Report: rep, Raw: raw, Elapsed: 3 * time.Second}
}

func successReport(target string) report.Report {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rep := report.New("run-ok", target, "playwright", start)
	rep = rep.WithStep(report.Completed(report.StepHomepage, start, start.Add(time.Second)))
	return rep.Finalize(start.Add(2 * time.Second))
}

func failedReport(target string) report.Report {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rep := report.New("run-bad", target, "playwright", start)
	rep = rep.WithStep(report.Completed(report.StepHomepage, start, start.Add(time.Second)))
	rep = rep.WithStep(report.Completed(report.StepProductPage, start, start.Add(time.Second)))
	rep = rep.WithStep(report.Failed(report.StepAddToCart, start, start.Add(time.Second), errors.New("no confirmation")))
	rep = rep.WithError(report.ErrorRecord{Step: report.StepAddToCart, Error: "no confirmation"})
	return rep.Finalize(start.Add(2 * time.Second))
}

func postJSON(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/crawl", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func scrape(t *testing.T, srv *Server) string {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCrawlSuccess(t *testing.T) {
	store := &history.Store{Root: t.TempDir(), DefaultTTL: time.Hour}
	runner := &stubRunner{res: resultFor(successReport("https://shop.test/"))}
	reg := prometheus.NewRegistry()
	srv := New(Options{Runner: runner, History: store, Registry: reg})

	rec := postJSON(t, srv.Handler(), `{"url":"https://shop.test/"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "https://shop.test/", body["url"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "expected report under data")
	assert.Equal(t, true, data["success"])
	assert.Equal(t, []string{"https://shop.test/"}, runner.calls)

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-ok", entries[0].ID)

	assert.Contains(t, scrape(t, srv), `funnelcheck_runs_total{outcome="success"} 1`)
}

func TestCrawlFormEncoded(t *testing.T) {
	runner := &stubRunner{res: resultFor(successReport("https://shop.test/"))}
	srv := New(Options{Runner: runner})
	form := url.Values{"url": {"https://shop.test/"}}
	req := httptest.NewRequest(http.MethodPost, "/api/crawl", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, runner.calls, 1)
}

func TestCrawlRejectsInvalidURL(t *testing.T) {
	runner := &stubRunner{}
	srv := New(Options{Runner: runner})
	for _, body := range []string{`{"url":""}`, `{"url":"shop.test"}`, `{"url":"javascript:alert(1)"}`} {
		rec := postJSON(t, srv.Handler(), body)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, body)
		assert.Equal(t, "error", decode(t, rec)["status"])
	}
	assert.Empty(t, runner.calls)

	rec := postJSON(t, srv.Handler(), `{"url":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCrawlFailureIs500WithReport(t *testing.T) {
	rep := failedReport("https://shop.test/")
	res := resultFor(rep)
	res.ExitCode = 1
	runner := &stubRunner{res: res, err: &invoker.ExitError{Code: 1}}
	srv := New(Options{Runner: runner})

	rec := postJSON(t, srv.Handler(), `{"url":"https://shop.test/"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "https://shop.test/", body["url"])
	assert.Contains(t, body["error"], "status 1")
	assert.NotEmpty(t, body["message"])
	metrics := scrape(t, srv)
	assert.Contains(t, metrics, `funnelcheck_step_failures_total{step="add_to_cart"} 1`)
	assert.Contains(t, metrics, `funnelcheck_runs_total{outcome="failure"} 1`)
}

func TestCrawlBudgetExceeded(t *testing.T) {
	runner := &stubRunner{err: invoker.ErrBudgetExceeded}
	srv := New(Options{Runner: runner})
	rec := postJSON(t, srv.Handler(), `{"url":"https://shop.test/"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, scrape(t, srv), `funnelcheck_runs_total{outcome="timeout"} 1`)
}

func TestRunsEndpoints(t *testing.T) {
	store := &history.Store{Root: t.TempDir(), DefaultTTL: time.Hour}
	_, err := store.Save(failedReport("https://shop.test/"))
	require.NoError(t, err)
	srv := New(Options{History: store})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []runSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, report.StepAddToCart, runs[0].Failed)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/run-bad", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := New(Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	srv.metrics.runs.WithLabelValues("success").Inc()
	assert.Contains(t, scrape(t, srv), "funnelcheck_runs_total")
}
