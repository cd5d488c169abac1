// Package providers holds shared wrappers around provider adapters.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IAlready8/RealMultiLLM-sub007/domain/llm"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerConfig holds circuit breaker behavior for one provider.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MaxRequests:      3,
	}
}

// BreakerProvider wraps a provider adapter with circuit breaker protection.
// Each wrapped provider gets its own breaker, so one flapping backend never
// trips admission for the others.
type BreakerProvider struct {
	inner   llm.ProviderPort
	config  BreakerConfig
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps the given adapter. When disabled, calls pass through.
func WithBreaker(inner llm.ProviderPort, config BreakerConfig) *BreakerProvider {
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("llm-provider-%s", inner.Name()),
		MaxRequests: config.MaxRequests,
		Interval:    0, // counts cleared on the open->closed transition only
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= config.FailureThreshold &&
				counts.TotalFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"provider":   inner.Name(),
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Info("Circuit breaker state changed")
		},
	}

	return &BreakerProvider{
		inner:   inner,
		config:  config,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *BreakerProvider) Name() string { return b.inner.Name() }

// State exposes the breaker state for health reporting.
func (b *BreakerProvider) State() gobreaker.State { return b.breaker.State() }

// HealthState implements llm.HealthReporter.
func (b *BreakerProvider) HealthState() string { return b.breaker.State().String() }

func (b *BreakerProvider) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if !b.config.Enabled {
		return b.inner.Chat(ctx, req)
	}

	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Chat(ctx, req)
	})
	if err != nil {
		return nil, b.mapError(err)
	}
	return result.(*llm.Response), nil
}

func (b *BreakerProvider) Stream(ctx context.Context, req *llm.Request, onChunk llm.StreamHandler[llm.StreamChunk]) error {
	if !b.config.Enabled {
		return b.inner.Stream(ctx, req, onChunk)
	}

	_, err := b.breaker.Execute(func() (interface{}, error) {
		// gobreaker expects a return value; streaming has none
		return nil, b.inner.Stream(ctx, req, onChunk)
	})
	if err != nil {
		return b.mapError(err)
	}
	return nil
}

func (b *BreakerProvider) mapError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logrus.WithFields(logrus.Fields{
			"provider": b.inner.Name(),
			"state":    b.breaker.State().String(),
		}).Warn("Circuit breaker rejecting requests, failing fast")
		return &llm.ProviderError{
			Provider: b.inner.Name(),
			Status:   503,
			Message:  "circuit breaker open: requests are being rejected to prevent cascade failures",
		}
	}
	return err
}
