package httpiface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/IAlready8/RealMultiLLM-sub007/application/dispatch"
	"github.com/IAlready8/RealMultiLLM-sub007/domain/analytics"
	"github.com/IAlready8/RealMultiLLM-sub007/domain/llm"
)

// DispatchService is the facade surface the HTTP layer depends on.
type DispatchService interface {
	Invoke(ctx context.Context, callerKey, providerID string, req *llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, callerKey, providerID string, req *llm.Request, onChunk llm.StreamHandler[llm.StreamChunk]) error
	QueryAll(ctx context.Context, callerKey string, req *llm.Request) (map[string]dispatch.QueryAllResult, error)
	Providers() []string
	ProviderStates() map[string]string
	Stats() (dispatch.SchedulerStats, *dispatch.CacheStats)
}

// HealthChecker reports whether a backing dependency can serve traffic.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Router struct {
	service        DispatchService
	corsOrigins    []string
	jwtSecret      []byte
	defaultTimeout time.Duration
	processor      analytics.Processor
	db             HealthChecker
	repo           analytics.InvocationRepository
}

func NewRouter(service DispatchService, corsOrigins []string, jwtSecret string, defaultTimeout time.Duration) *Router {
	return &Router{
		service:        service,
		corsOrigins:    corsOrigins,
		jwtSecret:      []byte(jwtSecret),
		defaultTimeout: defaultTimeout,
	}
}

// NewRouterWithAnalytics creates a router that also exposes recorded
// invocations and includes the persistence pipeline in health checks.
func NewRouterWithAnalytics(
	service DispatchService,
	corsOrigins []string,
	jwtSecret string,
	defaultTimeout time.Duration,
	processor analytics.Processor,
	db HealthChecker,
	repo analytics.InvocationRepository,
) *Router {
	return &Router{
		service:        service,
		corsOrigins:    corsOrigins,
		jwtSecret:      []byte(jwtSecret),
		defaultTimeout: defaultTimeout,
		processor:      processor,
		db:             db,
		repo:           repo,
	}
}

func (r *Router) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(r.corsMiddleware())

	// Probes and metrics are open so monitoring tools need no identity
	router.GET("/live", r.liveness)
	router.GET("/ready", r.readiness)
	router.GET("/health", r.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/v1")
	api.Use(r.requestIDMiddleware())
	api.Use(r.identityMiddleware())
	api.POST("/invoke", r.invoke)
	api.POST("/query-all", r.queryAll)
	api.GET("/providers", r.listProviders)
	api.GET("/stats", r.stats)

	if r.repo != nil {
		api.GET("/invocations", r.listInvocations)
		api.GET("/invocations/:id", r.getInvocation)
	}

	return router
}

func (r *Router) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqOrigin := c.GetHeader("Origin")
		if reqOrigin == "" {
			c.Header("Access-Control-Allow-Origin", strings.Join(r.corsOrigins, ", "))
		} else {
			allowOrigin := ""
			if len(r.corsOrigins) == 1 && r.corsOrigins[0] == "*" {
				allowOrigin = "*"
			} else {
				for _, allowed := range r.corsOrigins {
					if allowed == reqOrigin {
						allowOrigin = reqOrigin
						break
					}
				}
			}
			if allowOrigin != "" {
				c.Header("Access-Control-Allow-Origin", allowOrigin)
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (r *Router) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID != "" {
			if _, err := uuid.Parse(requestID); err != nil {
				c.Header("X-Client-Request-ID", requestID)
				requestID = uuid.New().String()
			}
		} else {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// identityMiddleware resolves the caller key used for per-caller admission.
// A valid bearer token contributes its subject claim; everything else falls
// back to the client IP so anonymous callers are still rate limited.
func (r *Router) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		callerKey := c.ClientIP()

		auth := c.GetHeader("Authorization")
		if len(r.jwtSecret) > 0 && strings.HasPrefix(auth, "Bearer ") {
			tokenStr := strings.TrimPrefix(auth, "Bearer ")
			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return r.jwtSecret, nil
			})
			if err != nil {
				c.JSON(http.StatusUnauthorized, llm.ErrorResponse{Error: "invalid bearer token"})
				c.Abort()
				return
			}
			if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
				if sub, ok := claims["sub"].(string); ok && sub != "" {
					callerKey = sub
				}
			}
		}

		c.Set("caller_key", callerKey)
		c.Next()
	}
}

func (r *Router) callerKey(c *gin.Context) string {
	if v, ok := c.Get("caller_key"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return c.ClientIP()
}

// invokeRequest is the external request body for /v1/invoke and
// /v1/query-all. Options mirror the normalized request fields.
type invokeRequest struct {
	Provider string        `json:"provider"`
	Messages []llm.Message `json:"messages"`
	Options  invokeOptions `json:"options"`
}

type invokeOptions struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
	TimeoutMs   int      `json:"timeoutMs,omitempty"`
	Retries     int      `json:"retries,omitempty"`
}

func (ir *invokeRequest) toDomain() *llm.Request {
	return &llm.Request{
		Messages:    ir.Messages,
		Model:       ir.Options.Model,
		Temperature: ir.Options.Temperature,
		MaxTokens:   ir.Options.MaxTokens,
		Retries:     ir.Options.Retries,
	}
}

type usagePayload struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type invokeResponse struct {
	Role     string        `json:"role"`
	Content  string        `json:"content"`
	Provider string        `json:"provider,omitempty"`
	Model    string        `json:"model,omitempty"`
	Usage    *usagePayload `json:"usage,omitempty"`
}

func shapeResponse(resp *llm.Response) invokeResponse {
	return invokeResponse{
		Role:     resp.Role,
		Content:  resp.Content,
		Provider: resp.Provider,
		Model:    resp.Model,
		Usage: &usagePayload{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// streamEvent is one line of the line-delimited streaming body. Type is
// "chunk", "done" or "error".
type streamEvent struct {
	Type    string        `json:"type"`
	Content string        `json:"content,omitempty"`
	Usage   *usagePayload `json:"usage,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func (r *Router) requestContext(c *gin.Context, timeoutMs int) (context.Context, context.CancelFunc) {
	timeout := r.defaultTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		return c.Request.Context(), func() {}
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}

func (r *Router) invoke(c *gin.Context) {
	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Error("Failed to bind invoke request")
		c.JSON(http.StatusBadRequest, llm.ErrorResponse{Error: "invalid request format"})
		return
	}
	if req.Provider == "" {
		c.JSON(http.StatusBadRequest, llm.ErrorResponse{Error: "provider is required"})
		return
	}

	ctx, cancel := r.requestContext(c, req.Options.TimeoutMs)
	defer cancel()

	callerKey := r.callerKey(c)

	if req.Options.Stream {
		r.streamInvoke(c, ctx, callerKey, &req)
		return
	}

	resp, err := r.service.Invoke(ctx, callerKey, req.Provider, req.toDomain())
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, shapeResponse(resp))
}

// streamInvoke writes one JSON event per line. Failures after the first
// chunk surface as a terminal error event on the open 200 stream.
func (r *Router) streamInvoke(c *gin.Context, ctx context.Context, callerKey string, req *invokeRequest) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, llm.ErrorResponse{Error: "streaming not supported by server"})
		return
	}

	headersSent := false
	sendHeaders := func() {
		c.Header("Content-Type", "application/x-ndjson")
		c.Header("Cache-Control", "no-cache")
		c.Status(http.StatusOK)
		headersSent = true
	}
	writeEvent := func(ev streamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := c.Writer.Write(data); err != nil {
			return err
		}
		if _, err := c.Writer.Write([]byte("\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	var finalUsage *llm.Usage
	err := r.service.Stream(ctx, callerKey, req.Provider, req.toDomain(), func(chunk llm.StreamChunk) error {
		if !headersSent {
			sendHeaders()
		}
		if chunk.Usage != nil {
			finalUsage = chunk.Usage
		}
		if chunk.Content == "" {
			return nil
		}
		return writeEvent(streamEvent{Type: "chunk", Content: chunk.Content})
	})
	if err != nil {
		if !headersSent {
			// Nothing written yet, a plain error response is still possible
			r.writeError(c, err)
			return
		}
		logrus.WithError(err).WithField("provider", req.Provider).Error("Streaming failed mid-response")
		_ = writeEvent(streamEvent{Type: "error", Error: errorMessage(err)})
		return
	}
	if !headersSent {
		sendHeaders()
	}

	done := streamEvent{Type: "done"}
	if finalUsage != nil {
		done.Usage = &usagePayload{
			PromptTokens:     finalUsage.PromptTokens,
			CompletionTokens: finalUsage.CompletionTokens,
			TotalTokens:      finalUsage.TotalTokens,
		}
	}
	_ = writeEvent(done)
}

func (r *Router) queryAll(c *gin.Context) {
	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Error("Failed to bind query-all request")
		c.JSON(http.StatusBadRequest, llm.ErrorResponse{Error: "invalid request format"})
		return
	}

	ctx, cancel := r.requestContext(c, req.Options.TimeoutMs)
	defer cancel()

	results, err := r.service.QueryAll(ctx, r.callerKey(c), req.toDomain())
	if err != nil {
		r.writeError(c, err)
		return
	}

	shaped := make(map[string]gin.H, len(results))
	for provider, result := range results {
		if result.Error != "" {
			shaped[provider] = gin.H{"error": result.Error}
			continue
		}
		shaped[provider] = gin.H{"response": shapeResponse(result.Response)}
	}
	c.JSON(http.StatusOK, gin.H{"results": shaped})
}

func (r *Router) listProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"providers": r.service.Providers(),
		"states":    r.service.ProviderStates(),
	})
}

func (r *Router) stats(c *gin.Context) {
	scheduler, cache := r.service.Stats()
	payload := gin.H{"scheduler": scheduler}
	if cache != nil {
		payload["cache"] = cache
	}
	if r.processor != nil {
		payload["recorder"] = r.processor.Health()
	}
	if r.repo != nil {
		aggregated, err := r.repo.Aggregate(c.Request.Context())
		if err != nil {
			logrus.WithError(err).Error("Failed to aggregate invocation stats")
		} else {
			payload["invocations"] = aggregated
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (r *Router) listInvocations(c *gin.Context) {
	limitStr := c.DefaultQuery("limit", "100")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, llm.ErrorResponse{Error: "invalid limit parameter"})
		return
	}

	records, err := r.repo.FindRecent(c.Request.Context(), limit)
	if err != nil {
		logrus.WithError(err).Error("Failed to list invocations")
		c.JSON(http.StatusInternalServerError, llm.ErrorResponse{Error: "failed to list invocations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invocations": records})
}

func (r *Router) getInvocation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, llm.ErrorResponse{Error: "invalid invocation id"})
		return
	}

	record, err := r.repo.FindByID(c.Request.Context(), id)
	if err != nil {
		logrus.WithError(err).Errorf("Failed to get invocation %s", id)
		c.JSON(http.StatusNotFound, llm.ErrorResponse{Error: "invocation not found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (r *Router) healthCheck(c *gin.Context) {
	checks := gin.H{
		"api":       "ok",
		"providers": r.service.ProviderStates(),
	}
	overallOK := true

	if r.db != nil {
		if err := r.db.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			overallOK = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.processor != nil {
		ph := r.processor.Health()
		checks["recorder"] = ph
		if !ph.IsRunning {
			overallOK = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "multi-llm-dispatch",
		"version":   "1.0.0",
		"checks":    checks,
	})
}

// liveness probe: process is up and serving HTTP
func (r *Router) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readiness probe: dependencies healthy and ready to serve traffic
func (r *Router) readiness(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if r.db != nil {
		if err := r.db.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			ready = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.processor != nil {
		ph := r.processor.Health()
		checks["recorder"] = ph
		if !ph.IsRunning {
			ready = false
		}
	}

	if ready {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "not_ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// writeError maps the error taxonomy onto HTTP statuses. Rate-limited
// responses carry the retry hint both as a header and in the body.
func (r *Router) writeError(c *gin.Context, err error) {
	var invalidErr *dispatch.InvalidRequestError
	var unknownErr *llm.UnknownProviderError
	var rateErr *llm.RateLimitedError
	var providerErr *llm.ProviderError
	var schedulerErr *llm.SchedulerError

	switch {
	case errors.As(err, &invalidErr):
		c.JSON(http.StatusBadRequest, llm.ErrorResponse{Error: invalidErr.Reason})
	case errors.As(err, &unknownErr):
		c.JSON(http.StatusNotFound, llm.ErrorResponse{Error: unknownErr.Error()})
	case errors.As(err, &rateErr):
		retryAfterMs := rateErr.RetryAfter.Milliseconds()
		c.Header("Retry-After", strconv.FormatInt(int64(rateErr.RetryAfter.Seconds())+1, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":        "rate limit exceeded",
			"retryAfterMs": retryAfterMs,
			"remaining":    rateErr.Remaining,
		})
	case llm.IsCancellation(err):
		logrus.WithError(err).Debug("Invocation cancelled")
		c.JSON(http.StatusGatewayTimeout, llm.ErrorResponse{Error: "invocation cancelled or timed out"})
	case errors.As(err, &providerErr):
		logrus.WithError(err).WithField("provider", providerErr.Provider).Error("Provider call failed")
		c.JSON(http.StatusBadGateway, llm.ErrorResponse{Error: providerErr.Error()})
	case errors.As(err, &schedulerErr):
		logrus.WithError(err).Error("Scheduler invariant violated")
		c.JSON(http.StatusInternalServerError, llm.ErrorResponse{Error: "internal scheduler error"})
	default:
		logrus.WithError(err).Error("Failed to process invocation")
		c.JSON(http.StatusInternalServerError, llm.ErrorResponse{Error: "failed to process request"})
	}
}

func errorMessage(err error) string {
	var providerErr *llm.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Error()
	}
	if llm.IsCancellation(err) {
		return "invocation cancelled"
	}
	return err.Error()
}
