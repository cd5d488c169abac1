// Package anthropic adapts the Anthropic messages API to the provider port.
package anthropic

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

const (
	providerName = "anthropic"
	apiVersion   = "2023-06-01"

	// The messages API requires max_tokens; used when the caller sets none.
	defaultMaxTokens = 1024
)

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
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-sonnet-20240620"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

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

type apiRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiResponse struct {
	Model   string            `json:"model"`
	Content []apiContentBlock `json:"content"`
	Usage   apiUsage          `json:"usage"`
}

// Streaming event payloads; only the fields the adapter consumes.
type apiStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Model string   `json:"model"`
		Usage apiUsage `json:"usage"`
	} `json:"message"`
	Usage apiUsage `json:"usage"`
}

// buildRequest splits system messages into the top-level system field the
// messages API expects.
func (p *Provider) buildRequest(req *llm.Request, stream bool) apiRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var system string
	messages := make([]llm.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += msg.Content
			continue
		}
		messages = append(messages, msg)
	}

	return apiRequest{
		Model:       model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *Provider) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	hreq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("x-api-key", p.apiKey)
	hreq.Header.Set("anthropic-version", apiVersion)
	return hreq, nil
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

		apiReq := p.buildRequest(req, false)
		body, err := json.Marshal(apiReq)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}

		hreq, err := p.newHTTPRequest(ctx, body)
		if err != nil {
			return nil, err
		}

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

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = &llm.ProviderError{Provider: providerName, Status: resp.StatusCode, Message: string(respBody)}
			logrus.WithFields(logrus.Fields{
				"provider": providerName,
				"status":   resp.StatusCode,
				"model":    apiReq.Model,
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

		var content string
		for _, block := range out.Content {
			if block.Type == "text" {
				content += block.Text
			}
		}

		return &llm.Response{
			Role:     "assistant",
			Content:  content,
			Provider: providerName,
			Model:    out.Model,
			Usage: llm.Usage{
				PromptTokens:     out.Usage.InputTokens,
				CompletionTokens: out.Usage.OutputTokens,
				TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
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
	apiReq := p.buildRequest(req, true)
	body, err := json.Marshal(apiReq)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	hreq, err := p.newHTTPRequest(ctx, body)
	if err != nil {
		return err
	}

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

	var model string
	var inputTokens int

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

		var event apiStreamEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("decode event for model %s: %w", apiReq.Model, err)
		}

		switch event.Type {
		case "message_start":
			model = event.Message.Model
			inputTokens = event.Message.Usage.InputTokens

		case "content_block_delta":
			if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				continue
			}
			if err := onChunk(llm.StreamChunk{Content: event.Delta.Text, Model: model}); err != nil {
				return err
			}

		case "message_delta":
			// Final usage arrives on the message_delta event
			usage := &llm.Usage{
				PromptTokens:     inputTokens,
				CompletionTokens: event.Usage.OutputTokens,
				TotalTokens:      inputTokens + event.Usage.OutputTokens,
			}
			if err := onChunk(llm.StreamChunk{Model: model, Usage: usage}); err != nil {
				return err
			}

		case "message_stop":
			return nil
		}
	}
}
