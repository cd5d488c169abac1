package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/IAlready8/RealMultiLLM-sub007/domain/llm"
	"github.com/IAlready8/RealMultiLLM-sub007/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ResponseCache memoizes non-streaming invocation results. Streaming
// responses are never cached, their chunks are delivered exactly once.
type ResponseCache struct {
	cache  *lru.Cache[string, *llm.Response]
	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats reports cache occupancy and hit counters.
type CacheStats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// NewResponseCache creates an LRU cache holding up to size responses.
func NewResponseCache(size int) (*ResponseCache, error) {
	cache, err := lru.New[string, *llm.Response](size)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	return &ResponseCache{cache: cache}, nil
}

// Key derives a stable cache key from the provider id and the request fields
// that influence the output.
func (c *ResponseCache) Key(provider string, req *llm.Request) string {
	var b strings.Builder
	b.WriteString(provider)
	b.WriteString("|")
	b.WriteString(req.Model)
	if req.Temperature != nil {
		fmt.Fprintf(&b, "|t=%.4f", *req.Temperature)
	}
	if req.MaxTokens > 0 {
		fmt.Fprintf(&b, "|m=%d", req.MaxTokens)
	}
	for _, msg := range req.Messages {
		b.WriteString("|")
		b.WriteString(msg.Role)
		b.WriteString(":")
		b.WriteString(msg.Content)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Get returns a cached response for key if present.
func (c *ResponseCache) Get(key string) (*llm.Response, bool) {
	metrics.CacheLookupsTotal.Inc()
	resp, ok := c.cache.Get(key)
	if ok {
		c.hits.Add(1)
		metrics.CacheHitsTotal.Inc()
	} else {
		c.misses.Add(1)
	}
	return resp, ok
}

// Put stores a response under key, evicting the least recently used entry
// when the cache is full.
func (c *ResponseCache) Put(key string, resp *llm.Response) {
	c.cache.Add(key, resp)
}

// Stats returns current cache counters.
func (c *ResponseCache) Stats() CacheStats {
	return CacheStats{
		Size:   c.cache.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
