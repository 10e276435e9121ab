package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/fusion-encoder/internal/checkpoint"
	"github.com/raaihank/fusion-encoder/internal/config"
	"github.com/raaihank/fusion-encoder/internal/encoder"
	"github.com/raaihank/fusion-encoder/internal/encoder/encodertest"
	"github.com/raaihank/fusion-encoder/internal/logger"
	"github.com/raaihank/fusion-encoder/internal/model"
)

type testServer struct {
	*Server
	http *httptest.Server
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.GetDefaults()
	cfg.Server.RateLimit.Enabled = false
	cfg.Checkpoint.Dir = t.TempDir()
	for _, fn := range mutate {
		fn(cfg)
	}

	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	m, err := model.New(context.Background(), cfg.Model, encodertest.Resolver(encoder.DefaultDimensions), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	var store checkpoint.Store
	if cfg.Checkpoint.Backend != "" {
		store, err = checkpoint.NewStore(&cfg.Checkpoint, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
	}

	s, err := New(cfg, log, Dependencies{Model: m, Store: store, Version: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Hub().Run(ctx)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{Server: s, http: srv}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp, decoded
}

func errorType(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	s, _ := e["type"].(string)
	return s
}

func TestHealthAndInfo(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = ts.do(t, http.MethodGet, "/info", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", body["version"])
	info := body["model"].(map[string]any)
	assert.Equal(t, "bert-base-uncased", info["model_id"])
	assert.Equal(t, float64(768), info["encoder_dim"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, ts.http.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}

func TestEncode(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/encode", `{"text":"hello world"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(768), body["dimensions"])
	assert.Equal(t, float64(4), body["token_count"])
	assert.Len(t, body["vector"], 768)
}

func TestNormalize(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/normalize", `{"numerical":[[1,10],[3,30]]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{[]any{-1.0, -1.0}, []any{1.0, 1.0}}, body["normalized"])
	stats := body["stats"].(map[string]any)
	assert.Equal(t, []any{2.0, 20.0}, stats["mean"])
}

func TestForward(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/forward", `{"text":"hello world","numerical":[[1,2],[3,4]]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["rows"])
	assert.Equal(t, float64(128), body["output_dim"])
	assert.Len(t, body["embeddings"], 2)
	assert.Len(t, body["text_features"], 768)
	assert.Len(t, body["numerical_features"], 2)
}

func TestForwardErrors(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.MaxBatchRows = 2
	})

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		status  int
		errType string
	}{
		{"invalid json", http.MethodPost, "/v1/forward", `{"text":`, http.StatusBadRequest, "invalid_request"},
		{"empty body", http.MethodPost, "/v1/forward", "", http.StatusBadRequest, "invalid_request"},
		{"unknown field", http.MethodPost, "/v1/forward", `{"txt":"a","numerical":[[1,2]]}`, http.StatusBadRequest, "invalid_request"},
		{"width mismatch", http.MethodPost, "/v1/forward", `{"text":"a","numerical":[[1,2,3]]}`, http.StatusUnprocessableEntity, "compute_error"},
		{"empty batch", http.MethodPost, "/v1/forward", `{"text":"a","numerical":[]}`, http.StatusUnprocessableEntity, "compute_error"},
		{"too many rows", http.MethodPost, "/v1/forward", `{"text":"a","numerical":[[1,2],[3,4],[5,6]]}`, http.StatusRequestEntityTooLarge, "too_many_rows"},
		{"batch length mismatch", http.MethodPost, "/v1/forward/batch", `{"texts":["a"],"numerical":[[1,2],[3,4]]}`, http.StatusUnprocessableEntity, "compute_error"},
		{"wrong method", http.MethodGet, "/v1/forward", "", http.StatusMethodNotAllowed, "method_not_allowed"},
		{"delete checkpoints", http.MethodDelete, "/v1/checkpoints", "", http.StatusMethodNotAllowed, "method_not_allowed"},
		{"get checkpoint save", http.MethodGet, "/v1/checkpoints/x/save", "", http.StatusMethodNotAllowed, "method_not_allowed"},
		{"post health", http.MethodPost, "/health", "", http.StatusMethodNotAllowed, "method_not_allowed"},
		{"unknown v1 route", http.MethodPost, "/v1/nope", "", http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.errType, errorType(body))
		})
	}
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.MaxBodyBytes = 32
	})

	resp, body := ts.do(t, http.MethodPost, "/v1/forward", `{"text":"`+strings.Repeat("a", 100)+`","numerical":[[1,2]]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "body_too_large", errorType(body))
}

func TestForwardBatch(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/forward/batch", `{"texts":["hello","world","model"],"numerical":[[1,2],[3,4],[5,7]]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["rows"])
	assert.Len(t, body["text_features"], 3)
}

func TestCheckpointRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/checkpoints/best/save", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "saved", body["status"])

	resp, body = ts.do(t, http.MethodGet, "/v1/checkpoints", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["checkpoints"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "best", list[0].(map[string]any)["name"])

	resp, body = ts.do(t, http.MethodPost, "/v1/checkpoints/best/load", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "loaded", body["status"])

	resp, body = ts.do(t, http.MethodPost, "/v1/checkpoints/missing/load", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "persistence_error", errorType(body))

	resp, _ = ts.do(t, http.MethodPost, "/v1/checkpoints/-bad/save", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckpointRoutesWithoutStore(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Checkpoint.Backend = ""
	})

	resp, body := ts.do(t, http.MethodGet, "/v1/checkpoints", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "store_unavailable", errorType(body))
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2}
	})

	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, http.MethodPost, "/v1/encode", `{"text":"a"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := ts.do(t, http.MethodPost, "/v1/encode", `{"text":"a"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", errorType(body))

	// health is outside the limited API
	resp, _ = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ts.UpdateRateLimit(config.RateLimitConfig{Enabled: false})
	resp, _ = ts.do(t, http.MethodPost, "/v1/encode", `{"text":"a"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/v1/forward", `{"text":"hello","numerical":[[1,2]]}`)

	resp, err := ts.http.Client().Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "fusion_http_requests_total")
	assert.Contains(t, string(raw), `handler="/v1/forward"`)
}

func TestWebSocketReceivesForwardEvents(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var welcome map[string]any
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "connection", welcome["type"])

	resp, _ := ts.do(t, http.MethodPost, "/v1/forward", `{"text":"hello","numerical":[[1,2]]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var event map[string]any
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "forward_completed", event["type"])
	assert.NotEmpty(t, event["request_id"])
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorType(body))
}

func TestDashboard(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.http.Client().Get(ts.http.URL + "/dashboard")
	require.NoError(t, err)
	defer resp.Body.Close()

	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(page), "fusion-encoder test")
	assert.Contains(t, string(page), `"/ws"`)
}
