// Package openai adapts the OpenAI chat completions API to the provider port.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/IAlready8/RealMultiLLM-sub007/domain/llm"
	"github.com/sirupsen/logrus"
)

const providerName = "openai"

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
}

type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	maxRetries int
	httpClient *http.Client
	rng        *rand.Rand
	rngMutex   sync.Mutex
}

func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	// Connection pooling tuned for many concurrent in-flight invocations
	transport := &http.Transport{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{
			Transport: transport,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Provider) Name() string { return providerName }

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiRequest struct {
	Model         string         `json:"model"`
	Messages      []llm.Message  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type apiChoice struct {
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiResponse struct {
	Model   string      `json:"model"`
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiStreamDelta struct {
	Content string `json:"content"`
}

type apiStreamChoice struct {
	Delta apiStreamDelta `json:"delta"`
}

type apiStreamChunk struct {
	Model   string            `json:"model"`
	Choices []apiStreamChoice `json:"choices"`
	Usage   *apiUsage         `json:"usage,omitempty"`
}

func (p *Provider) resolveModel(req *llm.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *Provider) attempts(req *llm.Request) int {
	if req.Retries > 0 {
		return req.Retries
	}
	return p.maxRetries
}

func (p *Provider) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	var lastErr error

	maxAttempts := p.attempts(req)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff with up to 250ms of jitter
			base := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			p.rngMutex.Lock()
			jitter := time.Duration(p.rng.Intn(250)) * time.Millisecond
			p.rngMutex.Unlock()
			logrus.WithFields(logrus.Fields{
				"provider": providerName,
				"attempt":  attempt + 1,
				"backoff":  base + jitter,
			}).Info("Retrying provider call after backoff")
			select {
			case <-time.After(base + jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		model := p.resolveModel(req)
		body, err := json.Marshal(apiRequest{
			Model:       model,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}

		hreq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewBuffer(body))
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		hreq.Header.Set("Content-Type", "application/json")
		hreq.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.httpClient.Do(hreq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("do: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read: %w", err)
			continue
		}

		// Server errors and upstream rate limits are retryable here; the
		// scheduler itself never retries.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = &llm.ProviderError{Provider: providerName, Status: resp.StatusCode, Message: string(respBody)}
			logrus.WithFields(logrus.Fields{
				"provider": providerName,
				"status":   resp.StatusCode,
				"model":    model,
				"attempt":  attempt + 1,
			}).Warn("Retryable provider error")
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, &llm.ProviderError{Provider: providerName, Status: resp.StatusCode, Message: string(respBody)}
		}

		var out apiResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			lastErr = fmt.Errorf("unmarshal: %w", err)
			continue
		}
		if len(out.Choices) == 0 {
			return nil, &llm.ProviderError{Provider: providerName, Message: "response contained no choices"}
		}

		return &llm.Response{
			Role:     "assistant",
			Content:  out.Choices[0].Message.Content,
			Provider: providerName,
			Model:    out.Model,
			Usage: llm.Usage{
				PromptTokens:     out.Usage.PromptTokens,
				CompletionTokens: out.Usage.CompletionTokens,
				TotalTokens:      out.Usage.TotalTokens,
			},
		}, nil
	}

	var perr *llm.ProviderError
	if errors.As(lastErr, &perr) {
		return nil, fmt.Errorf("provider call failed after %d attempts: %w", maxAttempts, lastErr)
	}
	return nil, &llm.ProviderError{Provider: providerName, Message: fmt.Sprintf("call failed after %d attempts: %v", maxAttempts, lastErr)}
}

func (p *Provider) Stream(ctx context.Context, req *llm.Request, onChunk llm.StreamHandler[llm.StreamChunk]) error {
	model := p.resolveModel(req)
	body, err := json.Marshal(apiRequest{
		Model:         model,
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &llm.ProviderError{Provider: providerName, Message: fmt.Sprintf("do: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &llm.ProviderError{Provider: providerName, Status: resp.StatusCode, Message: string(respBody)}
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream read: %w", err)
		}
		if len(line) < 6 || string(line[:6]) != "data: " {
			continue
		}
		payload := bytes.TrimSpace(line[6:])
		if bytes.Equal(payload, []byte("[DONE]")) {
			return nil
		}

		var chunk apiStreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			return fmt.Errorf("decode chunk for model %s: %w", model, err)
		}

		out := llm.StreamChunk{Model: chunk.Model}
		if len(chunk.Choices) > 0 {
			out.Content = chunk.Choices[0].Delta.Content
		}
		if chunk.Usage != nil {
			out.Usage = &llm.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if out.Content == "" && out.Usage == nil {
			continue
		}
		if err := onChunk(out); err != nil {
			return err
		}
	}
}
