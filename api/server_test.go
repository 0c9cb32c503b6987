package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/batchserve/serve"
	"github.com/inference-sim/batchserve/serve/backend/synthetic"
	"github.com/inference-sim/batchserve/serve/metrics"
	_ "github.com/inference-sim/batchserve/serve/sampling"
)

func newTestEngine(t *testing.T, cfg serve.Config, opts ...serve.Option) *serve.Engine {
	t.Helper()
	backend, tok, err := synthetic.New(serve.BackendConfig{Seed: 1})
	require.NoError(t, err)
	engine, err := serve.New(cfg, backend, tok, opts...)
	require.NoError(t, err)
	return engine
}

// startEngine runs the loop until the test ends.
func startEngine(t *testing.T, engine *serve.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newTestEcho(engine *serve.Engine, metrics http.Handler) *echo.Echo {
	e := echo.New()
	NewServer(engine, metrics).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestGenerate_ReturnsTextAndDetails(t *testing.T) {
	// GIVEN a running engine
	engine := newTestEngine(t, serve.DefaultConfig())
	startEngine(t, engine)
	e := newTestEcho(engine, nil)

	// WHEN a client asks for 5 tokens with details
	rec := doJSON(t, e, http.MethodPost, "/generate",
		`{"inputs":"hello","parameters":{"max_new_tokens":5,"seed":9,"details":true}}`)

	// THEN the full text comes back with the length finish reason
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp GenerateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.GeneratedText, 5, "one printable byte per token")
	require.NotNil(t, resp.Details)
	assert.Equal(t, serve.FinishLength, resp.Details.FinishReason)
	assert.Equal(t, 5, resp.Details.GeneratedTokens)
	assert.Equal(t, 5, resp.Details.PromptTokens)
	assert.Equal(t, int64(9), resp.Details.Seed)
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderXRequestID), "gen-"))
}

func TestGenerate_WithoutDetails_OmitsThem(t *testing.T) {
	engine := newTestEngine(t, serve.DefaultConfig())
	startEngine(t, engine)
	e := newTestEcho(engine, nil)

	rec := doJSON(t, e, http.MethodPost, "/generate", `{"inputs":"hi","parameters":{"max_new_tokens":2}}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "details")
}

func TestGenerate_ClientRequestID_IsUsed(t *testing.T) {
	engine := newTestEngine(t, serve.DefaultConfig())
	startEngine(t, engine)
	e := newTestEcho(engine, nil)

	rec := doJSON(t, e, http.MethodPost, "/generate", `{"inputs":"hi","parameters":{"max_new_tokens":1}}`,
		echo.HeaderXRequestID, "client-7")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "client-7", rec.Header().Get(echo.HeaderXRequestID))
}

func TestGenerate_InvalidRequests(t *testing.T) {
	engine := newTestEngine(t, serve.DefaultConfig())
	e := newTestEcho(engine, nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantType string
	}{
		{"malformed json", `{"inputs":`, http.StatusBadRequest, errTypeValidation},
		{"empty inputs", `{"inputs":""}`, http.StatusUnprocessableEntity, errTypeValidation},
		{"negative max_new_tokens", `{"inputs":"hi","parameters":{"max_new_tokens":-1}}`, http.StatusUnprocessableEntity, errTypeValidation},
		{"too many stop sequences", `{"inputs":"hi","parameters":{"stop":["a","b","c","d","e"]}}`, http.StatusUnprocessableEntity, errTypeValidation},
		{"larger than the cache", `{"inputs":"hi","parameters":{"max_new_tokens":1000000}}`, http.StatusUnprocessableEntity, errTypeValidation},
		{"max int tokens", `{"inputs":"hi","parameters":{"max_new_tokens":9223372036854775807}}`, http.StatusUnprocessableEntity, errTypeValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/generate", tc.body)
			assert.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tc.wantType, decodeError(t, rec).ErrorType)
		})
	}
	assert.Equal(t, 0, engine.QueueLen(), "nothing invalid reaches the queue")
}

func TestGenerate_QueueFull_Returns429(t *testing.T) {
	// GIVEN an engine that is not running, with room for one queued request
	cfg := serve.DefaultConfig()
	cfg.Queue.MaxDepth = 1
	engine := newTestEngine(t, cfg)
	_, err := engine.Submit(context.Background(), []int{'a'}, serve.SamplingConfig{MaxNewTokens: 2})
	require.NoError(t, err)
	e := newTestEcho(engine, nil)

	// WHEN another request arrives
	rec := doJSON(t, e, http.MethodPost, "/generate", `{"inputs":"hi"}`)

	// THEN it is rejected as retryable overload
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, errTypeOverloaded, resp.ErrorType)
	assert.Contains(t, resp.Error, "queue full")
}

func TestGenerate_EngineStopped_Returns503(t *testing.T) {
	engine := newTestEngine(t, serve.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, engine.Run(ctx))
	e := newTestEcho(engine, nil)

	rec := doJSON(t, e, http.MethodPost, "/generate", `{"inputs":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, errTypeShutdown, decodeError(t, rec).ErrorType)

	health := doJSON(t, e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, health.Code)
	assert.Contains(t, health.Body.String(), `"loop":"stopped"`)
}

func readSSE(t *testing.T, body string) []string {
	t.Helper()
	var payloads []string
	for _, chunk := range strings.Split(body, "\n\n") {
		if chunk == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), "bad event %q", chunk)
		payloads = append(payloads, strings.TrimPrefix(chunk, "data: "))
	}
	return payloads
}

func TestGenerateStream_SendsOneEventPerToken(t *testing.T) {
	// GIVEN a running engine
	engine := newTestEngine(t, serve.DefaultConfig())
	startEngine(t, engine)
	e := newTestEcho(engine, nil)

	// WHEN a client streams 4 tokens
	rec := doJSON(t, e, http.MethodPost, "/generate_stream", `{"inputs":"hello","parameters":{"max_new_tokens":4}}`)

	// THEN it gets 4 events in token order, and only the last carries the text
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	payloads := readSSE(t, rec.Body.String())
	require.Len(t, payloads, 4)

	var text string
	for i, p := range payloads {
		var ev StreamResponse
		require.NoError(t, json.Unmarshal([]byte(p), &ev), p)
		require.NotNil(t, ev.Token)
		assert.Equal(t, i, ev.Token.Index)
		text += ev.Token.Text
		if i < len(payloads)-1 {
			assert.Nil(t, ev.GeneratedText)
			assert.Nil(t, ev.Details)
			continue
		}
		require.NotNil(t, ev.GeneratedText)
		assert.Equal(t, text, *ev.GeneratedText)
		require.NotNil(t, ev.Details)
		assert.Equal(t, serve.FinishLength, ev.Details.FinishReason)
		assert.Equal(t, 4, ev.Details.GeneratedTokens)
	}
}

func TestGenerateStream_SubmitError_IsPlainJSON(t *testing.T) {
	engine := newTestEngine(t, serve.DefaultConfig())
	e := newTestEcho(engine, nil)

	rec := doJSON(t, e, http.MethodPost, "/generate_stream", `{"inputs":""}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.NotEqual(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
}

func TestCancel_QueuedRequest(t *testing.T) {
	// GIVEN a queued request on an engine that is not running
	engine := newTestEngine(t, serve.DefaultConfig())
	stream, err := engine.Submit(context.Background(), []int{'a'}, serve.SamplingConfig{MaxNewTokens: 3}, serve.WithRequestID("r1"))
	require.NoError(t, err)
	e := newTestEcho(engine, nil)

	// WHEN it is cancelled over HTTP
	rec := doJSON(t, e, http.MethodDelete, "/requests/r1", "")

	// THEN the call succeeds and the stream closes with Cancelled
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"r1","cancelled":true}`, rec.Body.String())
	ev, ok := <-stream.Events()
	require.True(t, ok)
	assert.Equal(t, serve.EventCompleted, ev.Type)
	assert.Equal(t, serve.ReasonCancelled, ev.Reason)

	// AND a second cancel no longer finds it
	again := doJSON(t, e, http.MethodDelete, "/requests/r1", "")
	assert.Equal(t, http.StatusNotFound, again.Code)
	assert.Equal(t, errTypeNotFound, decodeError(t, again).ErrorType)
}

func TestHealth_ReportsLoopAndCapacity(t *testing.T) {
	cfg := serve.DefaultConfig()
	engine := newTestEngine(t, cfg)
	e := newTestEcho(engine, nil)

	rec := doJSON(t, e, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, serve.LoopIdle.String(), resp.Loop)
	assert.Equal(t, cfg.Capacity.TotalBlocks, resp.Capacity.TotalBlocks)
	assert.Equal(t, cfg.Capacity.TotalBlocks, resp.Capacity.FreeBlocks)
}

func TestMetrics_ServesRegistry(t *testing.T) {
	// GIVEN an engine reporting to a Prometheus registry
	reg := prometheus.NewRegistry()
	exporter, err := metrics.NewExporter(reg)
	require.NoError(t, err)
	engine := newTestEngine(t, serve.DefaultConfig(), serve.WithObserver(exporter))
	startEngine(t, engine)
	e := newTestEcho(engine, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// WHEN a request has been served and /metrics is scraped
	gen := doJSON(t, e, http.MethodPost, "/generate", `{"inputs":"hi","parameters":{"max_new_tokens":2}}`)
	require.Equal(t, http.StatusOK, gen.Code)
	rec := doJSON(t, e, http.MethodGet, "/metrics", "")

	// THEN the engine's series are exposed
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), metrics.NumRequestsRunning)
	assert.Contains(t, rec.Body.String(), metrics.CacheUsagePerc)
}

func TestMetrics_NotRegisteredWithoutHandler(t *testing.T) {
	e := newTestEcho(newTestEngine(t, serve.DefaultConfig()), nil)
	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantType string
	}{
		{serve.ErrRequestTooLarge, http.StatusUnprocessableEntity, errTypeValidation},
		{fmt.Errorf("%w: empty prompt", serve.ErrInvalidRequest), http.StatusUnprocessableEntity, errTypeValidation},
		{&serve.RejectedError{Reason: "rate limited"}, http.StatusTooManyRequests, errTypeOverloaded},
		{fmt.Errorf("%w: x", serve.ErrUnknownRequest), http.StatusNotFound, errTypeNotFound},
		{serve.ErrEngineStopped, http.StatusServiceUnavailable, errTypeShutdown},
		{fmt.Errorf("%w: %w", serve.ErrTimeout, serve.ErrCapacityExhausted), http.StatusGatewayTimeout, errTypeTimeout},
		{&serve.ExecutionError{Step: 3, Err: fmt.Errorf("device lost")}, http.StatusFailedDependency, errTypeGeneration},
		{fmt.Errorf("boom"), http.StatusInternalServerError, errTypeInternal},
	}
	for _, tc := range tests {
		code, typ := statusFor(tc.err)
		assert.Equal(t, tc.wantCode, code, tc.err.Error())
		assert.Equal(t, tc.wantType, typ, tc.err.Error())
	}
}

func TestEventError_FallsBackToKind(t *testing.T) {
	assert.ErrorIs(t, eventError(serve.Event{Type: serve.EventError, Kind: serve.ErrorKindTimeout}), serve.ErrTimeout)
	assert.ErrorIs(t, eventError(serve.Event{Type: serve.EventError, Kind: serve.ErrorKindShutdown}), serve.ErrEngineStopped)
	cause := &serve.ExecutionError{Step: 1, Err: fmt.Errorf("oom")}
	assert.Same(t, cause, eventError(serve.Event{Type: serve.EventError, Kind: serve.ErrorKindExecution, Err: cause}))
}
