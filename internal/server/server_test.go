package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/tabrecon/internal/jobs"
	"github.com/Sumatoshi-tech/tabrecon/internal/server"
	"github.com/Sumatoshi-tech/tabrecon/internal/store"
	"github.com/Sumatoshi-tech/tabrecon/pkg/compcache"
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
)

func newTestServer(t *testing.T) (*httptest.Server, *jobs.Runner) {
	t.Helper()

	dataDir := t.TempDir()

	st, openErr := store.Open(filepath.Join(dataDir, "store.db"))
	require.NoError(t, openErr)

	t.Cleanup(func() { _ = st.Close() })

	cfg := jobs.Config{DataDir: dataDir, Workers: 1}
	cache := compcache.New(cfg.CacheDir(), 0)

	runner := jobs.New(st, cache, cfg, nil)
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)

	tracer := nooptrace.NewTracerProvider().Tracer("test")

	handler, handlerErr := server.New(runner, tracer, nil).Handler()
	require.NoError(t, handlerErr)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return ts, runner
}

func writeCSV(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	return path
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()

	resp, getErr := ts.Client().Get(ts.URL + path)
	require.NoError(t, getErr)

	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func postForm(t *testing.T, ts *httptest.Server, path string, form url.Values, out any) int {
	t.Helper()

	resp, postErr := ts.Client().PostForm(ts.URL+path, form)
	require.NoError(t, postErr)

	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func submitAndWait(t *testing.T, ts *httptest.Server) int64 {
	t.Helper()

	dir := t.TempDir()
	fileA := writeCSV(t, dir, "a.csv", "id,name", "1,a", "2,b", "3,c")
	fileB := writeCSV(t, dir, "b.csv", "id,name", "2,b", "3,c", "4,d")

	var submitted struct {
		RunID int64 `json:"run_id"`
	}

	status := postForm(t, ts, "/compare", url.Values{
		"file_a":      {fileA},
		"file_b":      {fileB},
		"num_columns": {"1"},
	}, &submitted)
	require.Equal(t, http.StatusOK, status)
	require.Positive(t, submitted.RunID)

	deadline := time.Now().Add(30 * time.Second)

	for time.Now().Before(deadline) {
		var polled struct {
			Status string `json:"status"`
		}

		code := getJSON(t, ts, fmt.Sprintf("/api/status/%d", submitted.RunID), &polled)
		require.Equal(t, http.StatusOK, code)

		switch polled.Status {
		case store.StatusCompleted:
			return submitted.RunID
		case store.StatusError, store.StatusCancelled:
			t.Fatalf("run %d ended %s", submitted.RunID, polled.Status)
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("run %d never completed", submitted.RunID)

	return 0
}

func TestSubmitAndStatus(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	runID := submitAndWait(t, ts)

	var status struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Stages   []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"stages"`
	}

	code := getJSON(t, ts, fmt.Sprintf("/api/status/%d", runID), &status)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, store.StatusCompleted, status.Status)
	assert.Equal(t, 100, status.Progress)
	require.NotEmpty(t, status.Stages)
	assert.Equal(t, "reading", status.Stages[0].Name)

	for _, stage := range status.Stages {
		assert.Equal(t, store.StageCompleted, stage.Status, "stage %s", stage.Name)
	}
}

func TestStatusUnknownRun(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts, "/api/status/999", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts, "/api/status/abc", nil))
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)

	code := postForm(t, ts, "/compare", url.Values{
		"file_a":      {"/no/such/a.csv"},
		"file_b":      {"/no/such/b.csv"},
		"num_columns": {"1"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = postForm(t, ts, "/compare", url.Values{
		"file_a": {"x"}, "file_b": {"y"}, "num_columns": {"zero"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAnalysisResultsPagination(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	runID := submitAndWait(t, ts)

	var page struct {
		Side    string `json:"side"`
		Total   int64  `json:"total"`
		Results []struct {
			Combination string `json:"combination"`
			IsUniqueKey bool   `json:"is_unique_key"`
		} `json:"results"`
	}

	code := getJSON(t, ts, fmt.Sprintf("/api/run/%d?side=A&page=1&page_size=10", runID), &page)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, store.SideA, page.Side)
	require.NotEmpty(t, page.Results)
	assert.Equal(t, "id", page.Results[0].Combination)
	assert.True(t, page.Results[0].IsUniqueKey)

	// Oversized page_size is a parameter error.
	code = getJSON(t, ts, fmt.Sprintf("/api/run/%d?page_size=501", runID), nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = getJSON(t, ts, fmt.Sprintf("/api/run/%d?side=C", runID), nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestComparisonEndpoints(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	runID := submitAndWait(t, ts)

	var available struct {
		Combinations []struct {
			Combination []string `json:"combination"`
			Hash        string   `json:"combination_hash"`
		} `json:"combinations"`
	}

	code := getJSON(t, ts, fmt.Sprintf("/api/comparison-v2/%d/available", runID), &available)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, available.Combinations)
	assert.Equal(t, []string{"id"}, available.Combinations[0].Combination)

	var summary struct {
		Matched int64 `json:"matched"`
		OnlyA   int64 `json:"only_a"`
		OnlyB   int64 `json:"only_b"`
	}

	code = getJSON(t, ts, fmt.Sprintf("/api/comparison-v2/%d/summary?columns=id", runID), &summary)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(2), summary.Matched)
	assert.Equal(t, int64(1), summary.OnlyA)
	assert.Equal(t, int64(1), summary.OnlyB)

	var data struct {
		Total  int64    `json:"total"`
		Values []string `json:"values"`
		Source string   `json:"source"`
	}

	code = getJSON(t, ts, fmt.Sprintf("/api/comparison-v2/%d/data?columns=id&category=only_a&offset=0&limit=10", runID), &data)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cache", data.Source)
	assert.Equal(t, int64(1), data.Total)
	assert.Equal(t, []string{"1"}, data.Values)

	// Missing columns parameter.
	code = getJSON(t, ts, fmt.Sprintf("/api/comparison-v2/%d/summary", runID), nil)
	assert.Equal(t, http.StatusBadRequest, code)

	// Unreconciled combination has no cache entry.
	code = getJSON(t, ts, fmt.Sprintf("/api/comparison-v2/%d/summary?columns=nope", runID), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSummaryRebuiltAfterCacheLoss(t *testing.T) {
	t.Parallel()

	ts, runner := newTestServer(t)
	runID := submitAndWait(t, ts)

	hash := keycodec.Combination{"id"}.Hash()
	require.NoError(t, os.Remove(runner.Cache().EntryPath(runID, hash)))

	var summary struct {
		Matched int64 `json:"matched"`
		OnlyA   int64 `json:"only_a"`
		OnlyB   int64 `json:"only_b"`
	}

	code := getJSON(t, ts, fmt.Sprintf("/api/comparison-v2/%d/summary?columns=id", runID), &summary)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(2), summary.Matched)
	assert.Equal(t, int64(1), summary.OnlyA)
	assert.Equal(t, int64(1), summary.OnlyB)

	// The rebuilt entry is persisted, so sample reads come from the cache again.
	var data struct {
		Source string   `json:"source"`
		Values []string `json:"values"`
	}

	code = getJSON(t, ts, fmt.Sprintf("/api/comparison-v2/%d/data?columns=id&category=only_a&limit=10", runID), &data)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cache", data.Source)
	assert.Equal(t, []string{"1"}, data.Values)
}

func TestExportEndpoints(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	runID := submitAndWait(t, ts)

	var exportStatus struct {
		Completed bool `json:"completed"`
		Chunks    []struct {
			Category string `json:"category"`
			Index    int    `json:"chunk_index"`
			Rows     int64  `json:"row_count"`
			Status   string `json:"status"`
		} `json:"chunks"`
	}

	code := getJSON(t, ts, fmt.Sprintf("/api/comparison-export/%d/status?columns=id", runID), &exportStatus)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, exportStatus.Completed)
	require.NotEmpty(t, exportStatus.Chunks)

	var page struct {
		Header  []string   `json:"header"`
		Records [][]string `json:"records"`
		Total   int64      `json:"total"`
	}

	code = getJSON(t, ts, fmt.Sprintf("/api/comparison-export/%d/data?columns=id&category=matched&offset=0&limit=10", runID), &page)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(2), page.Total)
	assert.Len(t, page.Records, 2)

	// Bad category.
	code = getJSON(t, ts, fmt.Sprintf("/api/comparison-export/%d/data?columns=id&category=weird", runID), nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGenerateOnDemand(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	runID := submitAndWait(t, ts)

	var summary struct {
		Combination []string `json:"combination"`
		Matched     int64    `json:"matched"`
	}

	code := postForm(t, ts, fmt.Sprintf("/api/comparison-export/%d/generate?columns=name", runID), nil, &summary)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"name"}, summary.Combination)
	assert.Equal(t, int64(2), summary.Matched)

	// Second call is idempotent.
	code = postForm(t, ts, fmt.Sprintf("/api/comparison-export/%d/generate?columns=name", runID), nil, &summary)
	assert.Equal(t, http.StatusOK, code)
}

func TestCancelCompletedRunIsNoop(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	runID := submitAndWait(t, ts)

	var cancelled struct {
		Status string `json:"status"`
	}

	code := postForm(t, ts, fmt.Sprintf("/api/cancel/%d", runID), nil, &cancelled)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.StatusCompleted, cancelled.Status)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)

	assert.Equal(t, http.StatusOK, getJSON(t, ts, "/healthz", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, ts, "/metrics", nil))
}
