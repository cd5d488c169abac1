package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IAlready8/RealMultiLLM-sub007/domain/analytics"
	"github.com/IAlready8/RealMultiLLM-sub007/domain/llm"
	"github.com/IAlready8/RealMultiLLM-sub007/infrastructure/ratelimit"
	"github.com/IAlready8/RealMultiLLM-sub007/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// GlobalLimitKey is the shared admission key applied to every caller.
const GlobalLimitKey = "global"

// InvalidRequestError marks a request rejected before admission; the HTTP
// layer maps it to a client error rather than a provider failure.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return e.Reason }

// Limits holds the two admission policies applied to every invocation.
type Limits struct {
	PerUser ratelimit.Policy
	Global  ratelimit.Policy
}

// Service is the invocation facade: it combines rate-limit admission, the
// dispatch scheduler, the response cache and best-effort analytics recording.
// Callers supply timeouts by deadline on ctx; the facade imposes none itself.
type Service struct {
	scheduler *Scheduler
	registry  *Registry
	limiter   ratelimit.Limiter
	limits    Limits
	recorder  analytics.Recorder // nil disables recording
	cache     *ResponseCache     // nil disables caching
}

func NewService(scheduler *Scheduler, registry *Registry, limiter ratelimit.Limiter, limits Limits, recorder analytics.Recorder, cache *ResponseCache) *Service {
	return &Service{
		scheduler: scheduler,
		registry:  registry,
		limiter:   limiter,
		limits:    limits,
		recorder:  recorder,
		cache:     cache,
	}
}

// Invoke runs a non-streaming invocation for the given caller.
func (s *Service) Invoke(ctx context.Context, callerKey, providerID string, req *llm.Request) (*llm.Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.Stream {
		return nil, &InvalidRequestError{Reason: "use Stream for streaming requests"}
	}
	if err := s.admit(ctx, callerKey); err != nil {
		return nil, err
	}

	var cacheKey string
	if s.cache != nil {
		cacheKey = s.cache.Key(providerID, req)
		if resp, ok := s.cache.Get(cacheKey); ok {
			return resp, nil
		}
	}

	start := time.Now()
	resp, err := s.scheduler.Invoke(ctx, providerID, req)
	latency := time.Since(start)

	s.observe(providerID, false, latency, resp, err)
	s.record(callerKey, providerID, false, latency, resp, err)

	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(cacheKey, resp)
	}
	return resp, nil
}

// Stream runs a streaming invocation, delivering chunks through onChunk in
// backend order. The concurrency slot is held until the stream finishes.
func (s *Service) Stream(ctx context.Context, callerKey, providerID string, req *llm.Request, onChunk llm.StreamHandler[llm.StreamChunk]) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if err := s.admit(ctx, callerKey); err != nil {
		return err
	}

	var finalUsage *llm.Usage
	var model string
	wrapped := func(chunk llm.StreamChunk) error {
		if chunk.Model != "" && model == "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			finalUsage = chunk.Usage
		}
		return onChunk(chunk)
	}

	start := time.Now()
	err := s.scheduler.InvokeStream(ctx, providerID, req, wrapped)
	latency := time.Since(start)

	var resp *llm.Response
	if err == nil {
		resp = &llm.Response{Model: model}
		if finalUsage != nil {
			resp.Usage = *finalUsage
		}
	}
	s.observe(providerID, true, latency, resp, err)
	s.record(callerKey, providerID, true, latency, resp, err)

	return err
}

// QueryAllResult is one provider's leg of a fan-out comparison.
type QueryAllResult struct {
	Response *llm.Response `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// QueryAll invokes every registered provider with the same request and maps
// provider id to its result. One leg failing never aborts the others, and
// every leg is admitted through the scheduler, so the concurrency ceiling
// still binds. The caller is charged one rate-limit unit for the fan-out.
func (s *Service) QueryAll(ctx context.Context, callerKey string, req *llm.Request) (map[string]QueryAllResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := s.admit(ctx, callerKey); err != nil {
		return nil, err
	}

	names := s.registry.Names()
	results := make(map[string]QueryAllResult, len(names))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(provider string) {
			defer wg.Done()

			start := time.Now()
			resp, err := s.scheduler.Invoke(ctx, provider, req)
			latency := time.Since(start)

			s.observe(provider, false, latency, resp, err)
			s.record(callerKey, provider, false, latency, resp, err)

			mu.Lock()
			if err != nil {
				results[provider] = QueryAllResult{Error: err.Error()}
			} else {
				results[provider] = QueryAllResult{Response: resp}
			}
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	return results, nil
}

// Providers returns the registered provider ids.
func (s *Service) Providers() []string {
	return s.registry.Names()
}

// ProviderStates reports per-provider availability for health checks.
func (s *Service) ProviderStates() map[string]string {
	return s.registry.States()
}

// Stats reports scheduler and cache counters.
func (s *Service) Stats() (SchedulerStats, *CacheStats) {
	var cache *CacheStats
	if s.cache != nil {
		cs := s.cache.Stats()
		cache = &cs
	}
	return s.scheduler.Stats(), cache
}

// admit applies the per-caller and the global policy. Both must allow; on
// denial the caller sees the larger RetryAfter and the smaller Remaining of
// the two decisions.
func (s *Service) admit(ctx context.Context, callerKey string) error {
	userDecision, err := s.limiter.Allow(ctx, "user:"+callerKey, s.limits.PerUser)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	globalDecision, err := s.limiter.Allow(ctx, GlobalLimitKey, s.limits.Global)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}

	if userDecision.Allowed && globalDecision.Allowed {
		return nil
	}

	if !userDecision.Allowed {
		metrics.RateLimitDenials.WithLabelValues("user").Inc()
	}
	if !globalDecision.Allowed {
		metrics.RateLimitDenials.WithLabelValues("global").Inc()
	}

	retryAfter := userDecision.RetryAfter
	if globalDecision.RetryAfter > retryAfter {
		retryAfter = globalDecision.RetryAfter
	}
	remaining := userDecision.Remaining
	if globalDecision.Remaining < remaining {
		remaining = globalDecision.Remaining
	}

	return &llm.RateLimitedError{
		Key:        callerKey,
		RetryAfter: retryAfter,
		Remaining:  remaining,
	}
}

func (s *Service) observe(provider string, streaming bool, latency time.Duration, resp *llm.Response, err error) {
	status := "success"
	switch {
	case err == nil:
	case llm.IsCancellation(err):
		status = "cancelled"
	default:
		status = "error"
	}

	metrics.InvocationsTotal.WithLabelValues(provider, status).Inc()
	metrics.InvocationLatency.WithLabelValues(provider, strconv.FormatBool(streaming)).
		Observe(latency.Seconds())
	if resp != nil {
		metrics.TokenUsageTotal.WithLabelValues(provider, "prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.TokenUsageTotal.WithLabelValues(provider, "completion").Add(float64(resp.Usage.CompletionTokens))
	}
}

// record submits a fire-and-forget analytics event. Recording failures are
// logged and swallowed; they never mask the invocation's own outcome.
func (s *Service) record(callerKey, provider string, streaming bool, latency time.Duration, resp *llm.Response, invokeErr error) {
	if s.recorder == nil {
		return
	}

	event := analytics.InvocationEvent{
		InvocationID: uuid.New(),
		CallerKey:    callerKey,
		Provider:     provider,
		IsStreaming:  streaming,
		LatencyMs:    latency.Milliseconds(),
	}
	switch {
	case invokeErr == nil:
		event.Status = analytics.StatusSucceeded
	case llm.IsCancellation(invokeErr):
		event.Status = analytics.StatusCancelled
		event.ErrorMessage = invokeErr.Error()
	default:
		event.Status = analytics.StatusFailed
		event.ErrorMessage = invokeErr.Error()
	}
	if resp != nil {
		event.Model = resp.Model
		event.TokensUsed = resp.Usage.TotalTokens
	}

	if err := s.recorder.Record(event); err != nil {
		logrus.WithError(err).WithField("provider", provider).Warn("Failed to record invocation analytics")
	}
}

func validateRequest(req *llm.Request) error {
	if req == nil || len(req.Messages) == 0 {
		return &InvalidRequestError{Reason: "messages cannot be empty"}
	}

	const maxMessages = 100
	if len(req.Messages) > maxMessages {
		return &InvalidRequestError{Reason: fmt.Sprintf("too many messages: %d (max %d)", len(req.Messages), maxMessages)}
	}

	for i, msg := range req.Messages {
		if msg.Role == "" {
			return &InvalidRequestError{Reason: fmt.Sprintf("message %d: role cannot be empty", i)}
		}
		if msg.Content == "" {
			return &InvalidRequestError{Reason: fmt.Sprintf("message %d: content cannot be empty", i)}
		}
		const maxContentLength = 50000
		if len(msg.Content) > maxContentLength {
			return &InvalidRequestError{Reason: fmt.Sprintf("message %d: content too long (%d chars, max %d)", i, len(msg.Content), maxContentLength)}
		}
		if msg.Role != "user" && msg.Role != "assistant" && msg.Role != "system" {
			return &InvalidRequestError{Reason: fmt.Sprintf("message %d: invalid role %q (must be user, assistant, or system)", i, msg.Role)}
		}
	}

	return nil
}
