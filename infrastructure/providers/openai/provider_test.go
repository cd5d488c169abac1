package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IAlready8/RealMultiLLM-sub007/domain/llm"
)

func testProvider(baseURL string) *Provider {
	return NewProvider(Config{
		APIKey:     "test-key",
		BaseURL:    baseURL,
		Model:      "gpt-4o",
		MaxRetries: 2,
	})
}

func chatRequest() *llm.Request {
	return &llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}}
}

func TestProvider_Chat_Success(t *testing.T) {
	var gotAuth string
	var gotBody apiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(apiResponse{
			Model: "gpt-4o",
			Choices: []apiChoice{
				{Message: llm.Message{Role: "assistant", Content: "hello there"}, FinishReason: "stop"},
			},
			Usage: apiUsage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10},
		})
	}))
	defer server.Close()

	p := testProvider(server.URL)
	resp, err := p.Chat(context.Background(), chatRequest())

	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "gpt-4o", gotBody.Model)
	assert.False(t, gotBody.Stream)
	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestProvider_Chat_RequestModelOverridesDefault(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body apiRequest
		json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		json.NewEncoder(w).Encode(apiResponse{
			Choices: []apiChoice{{Message: llm.Message{Role: "assistant", Content: "ok"}}},
		})
	}))
	defer server.Close()

	p := testProvider(server.URL)
	req := chatRequest()
	req.Model = "gpt-4o-mini"
	_, err := p.Chat(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", gotModel)
}

func TestProvider_Chat_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(apiResponse{
			Choices: []apiChoice{{Message: llm.Message{Role: "assistant", Content: "recovered"}}},
		})
	}))
	defer server.Close()

	p := testProvider(server.URL)
	resp, err := p.Chat(context.Background(), chatRequest())

	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int64(2), calls.Load())
}

func TestProvider_Chat_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	}))
	defer server.Close()

	p := testProvider(server.URL)
	_, err := p.Chat(context.Background(), chatRequest())

	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusUnauthorized, perr.Status)
	assert.Equal(t, int64(1), calls.Load())
}

func TestProvider_Chat_ExhaustedRetriesReturnProviderError(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := testProvider(server.URL)
	_, err := p.Chat(context.Background(), chatRequest())

	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusServiceUnavailable, perr.Status)
	assert.Equal(t, int64(2), calls.Load())
}

func TestProvider_Chat_RequestRetriesOverrideConfigured(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := testProvider(server.URL)
	req := chatRequest()
	req.Retries = 1
	_, err := p.Chat(context.Background(), req)

	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(1), calls.Load())
}

func TestProvider_Chat_ContextCancellation(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		// Drain the body so the server starts its background read and
		// can observe the client disconnect, unblocking r.Context().
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	p := testProvider(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := p.Chat(ctx, chatRequest())
	require.Error(t, err)
	assert.True(t, llm.IsCancellation(err))
}

func writeSSE(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func TestProvider_Stream_DeliversChunksAndUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		require.NotNil(t, body.StreamOptions)
		assert.True(t, body.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(t, w, apiStreamChunk{Model: "gpt-4o", Choices: []apiStreamChoice{{Delta: apiStreamDelta{Content: "hel"}}}})
		writeSSE(t, w, apiStreamChunk{Choices: []apiStreamChoice{{Delta: apiStreamDelta{Content: "lo"}}}})
		writeSSE(t, w, apiStreamChunk{Usage: &apiUsage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5}})
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := testProvider(server.URL)
	var content string
	var usage *llm.Usage
	err := p.Stream(context.Background(), chatRequest(), func(chunk llm.StreamChunk) error {
		content += chunk.Content
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	require.NotNil(t, usage)
	assert.Equal(t, 5, usage.TotalTokens)
}

func TestProvider_Stream_ConcatenationMatchesChat(t *testing.T) {
	const full = "the quick brown fox"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body apiRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, word := range []string{"the ", "quick ", "brown ", "fox"} {
				writeSSE(t, w, apiStreamChunk{Choices: []apiStreamChoice{{Delta: apiStreamDelta{Content: word}}}})
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		json.NewEncoder(w).Encode(apiResponse{
			Choices: []apiChoice{{Message: llm.Message{Role: "assistant", Content: full}}},
		})
	}))
	defer server.Close()

	p := testProvider(server.URL)

	resp, err := p.Chat(context.Background(), chatRequest())
	require.NoError(t, err)

	var streamed string
	err = p.Stream(context.Background(), chatRequest(), func(chunk llm.StreamChunk) error {
		streamed += chunk.Content
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, resp.Content, streamed)
}

func TestProvider_Stream_HandlerErrorStopsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 100; i++ {
			writeSSE(t, w, apiStreamChunk{Choices: []apiStreamChoice{{Delta: apiStreamDelta{Content: "x"}}}})
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := testProvider(server.URL)
	seen := 0
	err := p.Stream(context.Background(), chatRequest(), func(chunk llm.StreamChunk) error {
		seen++
		if seen == 2 {
			return fmt.Errorf("client disconnected")
		}
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 2, seen)
}

func TestProvider_Stream_ErrorStatusSurfacesAsProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"slow down"}`)
	}))
	defer server.Close()

	p := testProvider(server.URL)
	err := p.Stream(context.Background(), chatRequest(), func(llm.StreamChunk) error { return nil })

	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusTooManyRequests, perr.Status)
}

func TestNewProvider_Defaults(t *testing.T) {
	p := NewProvider(Config{APIKey: "k"})

	assert.Equal(t, "https://api.openai.com/v1", p.baseURL)
	assert.Equal(t, "gpt-4o", p.model)
	assert.Equal(t, 3, p.maxRetries)
	assert.Equal(t, "openai", p.Name())
	assert.NotNil(t, p.httpClient)
	require.IsType(t, &http.Transport{}, p.httpClient.Transport)
	assert.Equal(t, 90*time.Second, p.httpClient.Transport.(*http.Transport).IdleConnTimeout)
}
