package httpiface

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IAlready8/RealMultiLLM-sub007/application/dispatch"
	"github.com/IAlready8/RealMultiLLM-sub007/domain/llm"
)

// stubService is a controllable DispatchService for handler tests.
type stubService struct {
	lastCallerKey string
	lastProvider  string
	lastRequest   *llm.Request

	invokeFn   func(ctx context.Context, providerID string, req *llm.Request) (*llm.Response, error)
	streamFn   func(ctx context.Context, providerID string, req *llm.Request, onChunk llm.StreamHandler[llm.StreamChunk]) error
	queryAllFn func(ctx context.Context, req *llm.Request) (map[string]dispatch.QueryAllResult, error)
}

func (s *stubService) Invoke(ctx context.Context, callerKey, providerID string, req *llm.Request) (*llm.Response, error) {
	s.lastCallerKey = callerKey
	s.lastProvider = providerID
	s.lastRequest = req
	if s.invokeFn != nil {
		return s.invokeFn(ctx, providerID, req)
	}
	return &llm.Response{
		Role: "assistant", Content: "hello", Provider: providerID, Model: "gpt-4o",
		Usage: llm.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}, nil
}

func (s *stubService) Stream(ctx context.Context, callerKey, providerID string, req *llm.Request, onChunk llm.StreamHandler[llm.StreamChunk]) error {
	s.lastCallerKey = callerKey
	s.lastProvider = providerID
	s.lastRequest = req
	if s.streamFn != nil {
		return s.streamFn(ctx, providerID, req, onChunk)
	}
	if err := onChunk(llm.StreamChunk{Content: "hel"}); err != nil {
		return err
	}
	return onChunk(llm.StreamChunk{Content: "lo", Usage: &llm.Usage{TotalTokens: 3}})
}

func (s *stubService) QueryAll(ctx context.Context, callerKey string, req *llm.Request) (map[string]dispatch.QueryAllResult, error) {
	s.lastCallerKey = callerKey
	s.lastRequest = req
	if s.queryAllFn != nil {
		return s.queryAllFn(ctx, req)
	}
	return map[string]dispatch.QueryAllResult{
		"openai": {Response: &llm.Response{Role: "assistant", Content: "a"}},
	}, nil
}

func (s *stubService) Providers() []string { return []string{"anthropic", "openai"} }

func (s *stubService) ProviderStates() map[string]string {
	return map[string]string{"anthropic": "closed", "openai": "open"}
}

func (s *stubService) Stats() (dispatch.SchedulerStats, *dispatch.CacheStats) {
	return dispatch.SchedulerStats{Concurrency: 4, Completed: 7}, &dispatch.CacheStats{Size: 1, Hits: 2}
}

func newTestRouter(service *stubService, jwtSecret string) http.Handler {
	return NewRouter(service, []string{"*"}, jwtSecret, time.Minute).SetupRoutes()
}

func invokeBody(t *testing.T, provider string, stream bool) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"provider": provider,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"options":  map[string]any{"stream": stream},
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestInvoke_Success(t *testing.T) {
	service := &stubService{}
	handler := newTestRouter(service, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/invoke", invokeBody(t, "openai", false))
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "openai", service.lastProvider)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp["content"])
	usage := resp["usage"].(map[string]any)
	assert.Equal(t, float64(1), usage["promptTokens"])
	assert.Equal(t, float64(2), usage["completionTokens"])
	assert.Equal(t, float64(3), usage["totalTokens"])
}

func TestInvoke_InvalidBody(t *testing.T) {
	handler := newTestRouter(&stubService{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/invoke", strings.NewReader("{not json"))
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvoke_MissingProvider(t *testing.T) {
	handler := newTestRouter(&stubService{}, "")

	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/invoke", bytes.NewBuffer(body))
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvoke_ErrorTaxonomyMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown provider", &llm.UnknownProviderError{Provider: "nope"}, http.StatusNotFound},
		{"provider failure", &llm.ProviderError{Provider: "openai", Status: 500, Message: "down"}, http.StatusBadGateway},
		{"scheduler corruption", &llm.SchedulerError{Detail: "running went negative"}, http.StatusInternalServerError},
		{"validation", &dispatch.InvalidRequestError{Reason: "messages cannot be empty"}, http.StatusBadRequest},
		{"cancellation", llm.ErrCancelled, http.StatusGatewayTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubService{
				invokeFn: func(ctx context.Context, providerID string, req *llm.Request) (*llm.Response, error) {
					return nil, tc.err
				},
			}
			handler := newTestRouter(service, "")

			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/v1/invoke", invokeBody(t, "openai", false))
			handler.ServeHTTP(w, req)

			assert.Equal(t, tc.wantStatus, w.Code)
		})
	}
}

func TestInvoke_RateLimitedResponseShape(t *testing.T) {
	service := &stubService{
		invokeFn: func(ctx context.Context, providerID string, req *llm.Request) (*llm.Response, error) {
			return nil, &llm.RateLimitedError{Key: "alice", RetryAfter: 59990 * time.Millisecond, Remaining: 0}
		},
	}
	handler := newTestRouter(service, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/invoke", invokeBody(t, "openai", false))
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(59990), resp["retryAfterMs"])
	assert.Equal(t, float64(0), resp["remaining"])
	assert.NotEmpty(t, resp["error"])
}

func TestInvoke_StreamingEmitsLineDelimitedEvents(t *testing.T) {
	handler := newTestRouter(&stubService{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/invoke", invokeBody(t, "openai", true))
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 3)

	var first, second, last streamEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &last))

	assert.Equal(t, "chunk", first.Type)
	assert.Equal(t, "hel", first.Content)
	assert.Equal(t, "chunk", second.Type)
	assert.Equal(t, "lo", second.Content)
	assert.Equal(t, "done", last.Type)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 3, last.Usage.TotalTokens)
}

func TestInvoke_StreamingErrorBeforeFirstChunk(t *testing.T) {
	service := &stubService{
		streamFn: func(ctx context.Context, providerID string, req *llm.Request, onChunk llm.StreamHandler[llm.StreamChunk]) error {
			return &llm.RateLimitedError{Key: "alice", RetryAfter: time.Second}
		},
	}
	handler := newTestRouter(service, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/invoke", invokeBody(t, "openai", true))
	handler.ServeHTTP(w, req)

	// Nothing was streamed yet, so the failure is an ordinary error response
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestInvoke_StreamingErrorMidStreamBecomesEvent(t *testing.T) {
	service := &stubService{
		streamFn: func(ctx context.Context, providerID string, req *llm.Request, onChunk llm.StreamHandler[llm.StreamChunk]) error {
			if err := onChunk(llm.StreamChunk{Content: "partial"}); err != nil {
				return err
			}
			return &llm.ProviderError{Provider: "openai", Status: 502, Message: "upstream died"}
		},
	}
	handler := newTestRouter(service, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/invoke", invokeBody(t, "openai", true))
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)

	var last streamEvent
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, "error", last.Type)
	assert.Contains(t, last.Error, "upstream died")
}

func TestQueryAll_ShapesPerProviderResults(t *testing.T) {
	service := &stubService{
		queryAllFn: func(ctx context.Context, req *llm.Request) (map[string]dispatch.QueryAllResult, error) {
			return map[string]dispatch.QueryAllResult{
				"openai":    {Response: &llm.Response{Role: "assistant", Content: "fine"}},
				"anthropic": {Error: "upstream exploded"},
			}, nil
		},
	}
	handler := newTestRouter(service, "")

	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/query-all", bytes.NewBuffer(body))
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Results map[string]map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "upstream exploded", resp.Results["anthropic"]["error"])
	inner := resp.Results["openai"]["response"].(map[string]any)
	assert.Equal(t, "fine", inner["content"])
}

func TestListProviders(t *testing.T) {
	handler := newTestRouter(&stubService{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/providers", nil)
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Providers []string          `json:"providers"`
		States    map[string]string `json:"states"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"anthropic", "openai"}, resp.Providers)
	assert.Equal(t, "open", resp.States["openai"])
	assert.Equal(t, "closed", resp.States["anthropic"])
}

func TestHealthReportsProviderStates(t *testing.T) {
	handler := newTestRouter(&stubService{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Checks struct {
			Providers map[string]string `json:"providers"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "open", resp.Checks.Providers["openai"])
}

func TestStats(t *testing.T) {
	handler := newTestRouter(&stubService{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/stats", nil)
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	scheduler := resp["scheduler"].(map[string]any)
	assert.Equal(t, float64(4), scheduler["concurrency"])
	cache := resp["cache"].(map[string]any)
	assert.Equal(t, float64(2), cache["hits"])
}

func TestIdentity_BearerTokenSubjectBecomesCallerKey(t *testing.T) {
	const secret = "unit-test-secret"
	service := &stubService{}
	handler := newTestRouter(service, secret)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/invoke", invokeBody(t, "openai", false))
	req.Header.Set("Authorization", "Bearer "+signed)
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-42", service.lastCallerKey)
}

func TestIdentity_InvalidTokenRejected(t *testing.T) {
	handler := newTestRouter(&stubService{}, "unit-test-secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/invoke", invokeBody(t, "openai", false))
	req.Header.Set("Authorization", "Bearer not.a.token")
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentity_AnonymousCallerKeyedByClientIP(t *testing.T) {
	service := &stubService{}
	handler := newTestRouter(service, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/invoke", invokeBody(t, "openai", false))
	req.RemoteAddr = "203.0.113.9:4711"
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "203.0.113.9", service.lastCallerKey)
}

func TestRequestID_GeneratedWhenAbsent(t *testing.T) {
	handler := newTestRouter(&stubService{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/providers", nil)
	handler.ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestLivenessProbe(t *testing.T) {
	handler := newTestRouter(&stubService{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/live", nil)
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	handler := newTestRouter(&stubService{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	handler := newTestRouter(&stubService{}, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("OPTIONS", "/v1/invoke", nil)
	req.Header.Set("Origin", "https://app.example.com")
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
