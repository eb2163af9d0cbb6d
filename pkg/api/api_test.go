package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testbench/pkg/browser"
	"github.com/ethpandaops/testbench/pkg/config"
	"github.com/ethpandaops/testbench/pkg/store"
)

func newTestServer(t *testing.T, cfg *config.APIConfig) (*server, store.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	if cfg == nil {
		cfg = &config.APIConfig{Listen: "127.0.0.1:0"}
	}

	srv := NewServer(log, cfg, browser.New(log, st, 2000)).(*server)
	t.Cleanup(func() { close(srv.done) })

	return srv, st
}

func seedRun(t *testing.T, st store.Store, durations map[string]float64, failed string) uint {
	t.Helper()

	ctx := context.Background()

	run := &store.TestRun{}
	require.NoError(t, st.CreateRun(ctx, run))

	for name, d := range durations {
		e := &store.TestExecution{TestRunID: run.ID, TestName: name, TestDirectory: "/cases/" + name}
		require.NoError(t, st.CreateExecution(ctx, e))

		e.Status = store.ExecPassed
		e.DurationSeconds = d

		if name == failed {
			e.Status = store.ExecFailed
			diff := "-want\n+got\n"
			require.NoError(t, st.CreateValidation(ctx, &store.TestValidation{
				TestExecutionID: e.ID,
				OutputFormat:    "json",
				Status:          store.ValidationFailed,
				ActualContent:   "got",
				DiffOutput:      &diff,
			}))
		}

		require.NoError(t, st.CompleteExecution(ctx, e))
	}

	_, err := st.FinalizeRun(ctx, run.ID)
	require.NoError(t, err)

	return run.ID
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	return rec
}

func TestHandlers_Health(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := get(t, srv.buildRouter(), "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandlers_Runs(t *testing.T) {
	srv, st := newTestServer(t, nil)
	h := srv.buildRouter()

	first := seedRun(t, st, map[string]float64{"test-a": 1, "test-b": 2}, "")
	second := seedRun(t, st, map[string]float64{"test-a": 1.5, "test-b": 2}, "test-b")

	rec := get(t, h, "/api/v1/runs?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []store.TestRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, second, runs[0].ID)

	rec = get(t, h, "/api/v1/runs/"+itoa(first))
	require.Equal(t, http.StatusOK, rec.Code)

	var detail browser.RunDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, store.RunCompleted, detail.Run.Status)
	assert.Len(t, detail.Executions, 2)

	rec = get(t, h, "/api/v1/runs/"+itoa(second)+"/failures")
	require.Equal(t, http.StatusOK, rec.Code)

	var failures []browser.Failure
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failures))
	require.Len(t, failures, 1)
	assert.Equal(t, "test-b", failures[0].TestName)
	assert.Equal(t, "json", failures[0].Format)
}

func TestHandlers_RunErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.buildRouter()

	tests := []struct {
		name string
		path string
		code int
	}{
		{name: "unknown run", path: "/api/v1/runs/999", code: http.StatusNotFound},
		{name: "malformed id", path: "/api/v1/runs/abc", code: http.StatusBadRequest},
		{name: "zero id", path: "/api/v1/runs/0/failures", code: http.StatusBadRequest},
		{name: "bad limit", path: "/api/v1/runs?limit=-3", code: http.StatusBadRequest},
		{name: "compare missing b", path: "/api/v1/compare?a=1", code: http.StatusBadRequest},
		{name: "compare unknown", path: "/api/v1/compare?a=1&b=2", code: http.StatusNotFound},
		{name: "bad trend window", path: "/api/v1/trends?days=0", code: http.StatusBadRequest},
		{name: "export unknown format", path: "/api/v1/runs/1/export?format=xml", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.path)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestHandlers_Compare(t *testing.T) {
	srv, st := newTestServer(t, nil)

	a := seedRun(t, st, map[string]float64{"test-a": 1}, "")
	b := seedRun(t, st, map[string]float64{"test-a": 1.5}, "")

	rec := get(t, srv.buildRouter(), "/api/v1/compare?a="+itoa(a)+"&b="+itoa(b))
	require.Equal(t, http.StatusOK, rec.Code)

	var cmp browser.Comparison
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmp))
	require.Len(t, cmp.Rows, 1)
	require.NotNil(t, cmp.Rows[0].DeltaPercent)
	assert.InDelta(t, 50.0, *cmp.Rows[0].DeltaPercent, 1e-9)
}

func TestHandlers_Export(t *testing.T) {
	srv, st := newTestServer(t, nil)
	id := seedRun(t, st, map[string]float64{"test-a": 1}, "")
	h := srv.buildRouter()

	rec := get(t, h, "/api/v1/runs/"+itoa(id)+"/export")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc browser.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, id, doc.Run.ID)

	rec = get(t, h, "/api/v1/runs/"+itoa(id)+"/export?format=csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "run-"+itoa(id)+".csv")
	assert.Contains(t, rec.Body.String(), "test-a")
}

func TestHandlers_StatsTrendsBenchmarks(t *testing.T) {
	srv, st := newTestServer(t, nil)
	h := srv.buildRouter()

	id := seedRun(t, st, map[string]float64{"test-a": 1, "test-b": 3}, "test-b")
	require.NoError(t, st.RecordBenchmark(context.Background(), &store.PerformanceBenchmark{
		BenchmarkType: "suite_duration",
		Value:         4,
		Unit:          "s",
		TestRunID:     &id,
	}))

	rec := get(t, h, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats browser.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.Totals.Runs)
	assert.EqualValues(t, 2, stats.Totals.Executions)

	rec = get(t, h, "/api/v1/trends?days=30")
	require.Equal(t, http.StatusOK, rec.Code)

	var trends []browser.Trend
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trends))
	require.Len(t, trends, 2)
	assert.Equal(t, "test-a", trends[0].Name)
	assert.InDelta(t, 1.0, trends[0].PassRate, 1e-9)
	assert.InDelta(t, 0.0, trends[1].PassRate, 1e-9)

	rec = get(t, h, "/api/v1/benchmarks?type=suite_duration")
	require.Equal(t, http.StatusOK, rec.Code)

	var samples []store.PerformanceBenchmark
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	require.Len(t, samples, 1)
	assert.InDelta(t, 4.0, samples[0].Value, 1e-9)
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, &config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
	})
	h := srv.buildRouter()

	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/stats").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/stats").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/api/v1/stats").Code)

	// Health is not rate limited.
	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/health").Code)
}

func TestExtractIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", extractIP(r))

	r.Header.Set("X-Forwarded-For", "192.168.1.9, 10.0.0.1")
	assert.Equal(t, "192.168.1.9", extractIP(r))
}

func TestServer_StartStop(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	srv := NewServer(log, &config.APIConfig{Listen: "127.0.0.1:0"}, nil)
	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
