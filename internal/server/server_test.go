package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sched-optimizer/internal/algorithm"
	"github.com/ChuLiYu/sched-optimizer/internal/cache"
	"github.com/ChuLiYu/sched-optimizer/internal/connguard"
	"github.com/ChuLiYu/sched-optimizer/internal/controller"
	"github.com/ChuLiYu/sched-optimizer/internal/health"
	"github.com/ChuLiYu/sched-optimizer/internal/metrics"
	"github.com/ChuLiYu/sched-optimizer/internal/ratelimit"
	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

const validBody = `{
  "algorithmId": "forward-scheduling",
  "scheduleData": {"events": [
    {"id": "E1", "startDate": "2024-01-01T00:00:00Z", "durationHours": 4, "resourceId": "R1"},
    {"id": "E2", "startDate": "2024-01-01T06:00:00Z", "durationHours": 2, "resourceId": "R1"}
  ]}
}`

type testEnv struct {
	server     *Server
	controller *controller.Controller
	metrics    *metrics.Collector
	limiter    *ratelimit.Limiter
}

// newTestEnv wires a full server. start controls whether workers run.
func newTestEnv(t *testing.T, rules map[ratelimit.Class]ratelimit.Rule, start bool) *testEnv {
	t.Helper()

	m := metrics.NewCollector()
	layer := cache.NewLayer(cache.NewMemoryStore(nil), cache.NewMemoryStore(nil), cache.LayerConfig{}, nil)
	ctrl := controller.NewController(controller.Config{WorkerCount: 2}, algorithm.Builtin(0),
		controller.WithMetrics(m), controller.WithCache(layer))
	if start {
		require.NoError(t, ctrl.Start())
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctrl.Stop(ctx)
	})

	if rules == nil {
		rules = ratelimit.DefaultRules()
	}
	limiter, err := ratelimit.New(rules)
	require.NoError(t, err)

	guard := connguard.New(connguard.Config{}, nil)
	monitor := health.NewMonitor(health.Sources{
		Jobs:        ctrl,
		Cache:       layer,
		RateLimit:   limiter,
		Connections: guard,
	}, health.DefaultThresholds(), nil)

	srv, err := New(Deps{
		Controller: ctrl,
		Limiter:    limiter,
		Guard:      guard,
		Cache:      layer,
		Monitor:    monitor,
		Metrics:    m,
	}, Options{})
	require.NoError(t, err)

	return &testEnv{server: srv, controller: ctrl, metrics: m, limiter: limiter}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestNewRequiresController(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

func TestSubmitAndFetch(t *testing.T) {
	env := newTestEnv(t, nil, true)

	w := env.do(t, http.MethodPost, "/jobs", validBody)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	var resp types.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, types.StatusQueued, resp.Status)

	var job types.Job
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/jobs/"+string(resp.RunID), "")
		if w.Code != http.StatusOK {
			return false
		}
		return json.Unmarshal(w.Body.Bytes(), &job) == nil && job.Status == types.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 100, job.Progress)

	w = env.do(t, http.MethodGet, "/jobs/"+string(resp.RunID)+"/result", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result types.JobResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, []string{"E1", "E2"}, result.ChangedEvents)

	w = env.do(t, http.MethodGet, "/jobs?status=completed&algorithmId=forward-scheduling", "")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []types.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)

	w = env.do(t, http.MethodGet, "/jobs-stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])
}

func TestSubmitRejected(t *testing.T) {
	env := newTestEnv(t, nil, false)

	tests := []struct {
		name  string
		body  string
		want  string
		field string
		rule  string
	}{
		{name: "missing algorithm", body: `{"scheduleData": {"events": []}}`, want: "Algorithm ID is required", field: "algorithmId", rule: "required"},
		{name: "bad algorithm format", body: `{"algorithmId": "Bad_ID"}`, want: "Invalid algorithm ID format", field: "algorithmId", rule: "format"},
		{
			name:  "date-only start",
			body:  `{"algorithmId": "forward-scheduling", "scheduleData": {"events": [{"id": "E9", "startDate": "2024-01-01"}]}}`,
			want:  "Invalid startDate format for event E9",
			field: "scheduleData.events[0].startDate",
			rule:  "isotimestamp",
		},
		{name: "malformed json", body: `{"algorithmId":`, want: "Invalid JSON body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/jobs", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.want, body["error"])
			if tt.field != "" {
				assert.Equal(t, tt.field, body["field"])
				assert.Equal(t, tt.rule, body["rule"])
			}
		})
	}

	assert.Empty(t, env.controller.ListJobs(types.JobFilter{}), "rejected submissions create no jobs")
}

func TestUnknownJob(t *testing.T) {
	env := newTestEnv(t, nil, false)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/jobs/nope"},
		{http.MethodGet, "/jobs/nope/result"},
		{http.MethodGet, "/no-such-route"},
	} {
		w := env.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, "%s %s", tc.method, tc.path)
	}

	w := env.do(t, http.MethodDelete, "/jobs/nope", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["cancelled"])
}

func TestCancelQueuedJob(t *testing.T) {
	env := newTestEnv(t, nil, false)

	w := env.do(t, http.MethodPost, "/jobs", validBody)
	require.Equal(t, http.StatusAccepted, w.Code)
	runID := decode(t, w)["runId"].(string)

	w = env.do(t, http.MethodGet, "/jobs/"+runID+"/result", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Result not available", decode(t, w)["error"])

	w = env.do(t, http.MethodDelete, "/jobs/"+runID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["cancelled"])

	w = env.do(t, http.MethodDelete, "/jobs/"+runID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["cancelled"])

	w = env.do(t, http.MethodGet, "/jobs/"+runID, "")
	assert.Equal(t, string(types.StatusCancelled), decode(t, w)["status"])
}

func TestListInvalidStatus(t *testing.T) {
	env := newTestEnv(t, nil, false)

	w := env.do(t, http.MethodGet, "/jobs?status=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimit(t *testing.T) {
	rules := ratelimit.DefaultRules()
	rules[ratelimit.ClassWrite] = ratelimit.Rule{Limit: 2, Window: time.Minute}
	rules[ratelimit.ClassAPI] = ratelimit.Rule{Limit: 3, Window: time.Minute}
	env := newTestEnv(t, rules, false)

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodPost, "/jobs", validBody)
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := env.do(t, http.MethodPost, "/jobs", validBody)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, decode(t, w), "resetTime")
	assert.Len(t, env.controller.ListJobs(types.JobFilter{}), 2, "rejected request must not create a job")

	t.Run("classes are independent", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/jobs-stats", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("monitoring endpoints are exempt", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			assert.NotEqual(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/system/health", "").Code)
			assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/metrics", "").Code)
		}
	})

	t.Run("rejection is counted", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/metrics", "")
		assert.Contains(t, w.Body.String(), `sched_ratelimit_rejections_total{class="write"} 1`)

		w = env.do(t, http.MethodGet, "/system/rate-limit-stats", "")
		require.Equal(t, http.StatusOK, w.Code)
		stats := decode(t, w)["stats"].(map[string]any)
		assert.EqualValues(t, 1, stats["rejected"])
	})
}

func TestSystemEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, false)

	w := env.do(t, http.MethodGet, "/system/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	report := decode(t, w)
	assert.Equal(t, string(health.StatusHealthy), report["status"])
	assert.EqualValues(t, 100, report["score"])

	w = env.do(t, http.MethodGet, "/system/cache-health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, string(cache.ModePrimary), body["health"].(map[string]any)["mode"])

	w = env.do(t, http.MethodGet, "/system/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	for _, key := range []string{"uptimeSeconds", "jobs", "workers", "algorithms", "cache", "rateLimit", "connections", "health"} {
		assert.Contains(t, body, key)
	}
	assert.EqualValues(t, 2, body["workers"].(map[string]any)["size"])

	w = env.do(t, http.MethodGet, "/algorithms", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "forward-scheduling")
}

// offlineStore is a MemoryStore that rejects writes while offline.
type offlineStore struct {
	*cache.MemoryStore
	offline atomic.Bool
}

func (s *offlineStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.offline.Load() {
		return errors.New("connection refused")
	}
	return s.MemoryStore.Set(ctx, key, value, ttl)
}

func TestSystemEndpointsDoNotRecoverCache(t *testing.T) {
	ctx := context.Background()
	primary := &offlineStore{MemoryStore: cache.NewMemoryStore(nil)}
	layer := cache.NewLayer(primary, cache.NewMemoryStore(nil), cache.LayerConfig{}, nil)

	primary.offline.Store(true)
	require.NoError(t, layer.SetSession(ctx, "s1", 1, time.Hour))
	require.Equal(t, cache.ModeFallback, layer.Mode())
	primary.offline.Store(false)

	ctrl := controller.NewController(controller.Config{WorkerCount: 1}, algorithm.Builtin(0), controller.WithCache(layer))
	monitor := health.NewMonitor(health.Sources{Jobs: ctrl, Cache: layer}, health.DefaultThresholds(), nil)
	srv, err := New(Deps{Controller: ctrl, Cache: layer, Monitor: monitor}, Options{})
	require.NoError(t, err)

	for _, path := range []string{"/system/health", "/system/cache-health", "/system/metrics"} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.NotEqual(t, http.StatusInternalServerError, w.Code, path)
	}

	assert.Equal(t, cache.ModeFallback, layer.Mode(), "monitoring reads leave the mode alone")
	assert.Equal(t, 1, layer.GetMetrics(ctx).Pending, "journal not replayed by monitoring reads")
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/jobs-stats", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}

func TestServeThroughGuard(t *testing.T) {
	env := newTestEnv(t, nil, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/system/health")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))
	assert.NoError(t, <-done)
}
