package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BackoffConfig defines the configuration for exponential backoff
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration
	// MaxAttempts is the total number of attempts, including the first one
	MaxAttempts int
	// Multiplier is the growth factor applied per retry
	Multiplier float64
	// Jitter indicates whether to randomize each delay
	Jitter bool
}

// DefaultBackoffConfig returns the default exponential backoff configuration
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  3,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryMetrics contains counters for a retry policy
type RetryMetrics struct {
	// TotalAttempts is the total number of attempts made
	TotalAttempts uint64
	// RetriedOperations is the number of operations that needed at least one retry
	RetriedOperations uint64
	// SucceededAfterRetry is the number of operations that succeeded on a retry
	SucceededAfterRetry uint64
	// Exhausted is the number of operations that ran out of attempts
	Exhausted uint64
}

// RetryPolicy retries transient failures with exponential backoff.
// Fatal errors and exhausted attempt ceilings terminate the loop; an error
// returned by Do is final from the caller's point of view.
type RetryPolicy struct {
	name    string
	config  *BackoffConfig
	metrics RetryMetrics
	mu      sync.Mutex
	rand    *rand.Rand
	logger  *zap.Logger
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(name string, config *BackoffConfig, logger *zap.Logger) *RetryPolicy {
	if config == nil {
		config = DefaultBackoffConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryPolicy{
		name:   name,
		config: config,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger,
	}
}

// Metrics returns a copy of the current counters
func (p *RetryPolicy) Metrics() RetryMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// NextDelay computes the delay before the given retry attempt.
// Attempt 0 is the first retry.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	base := float64(p.config.InitialDelay) * math.Pow(p.config.Multiplier, float64(attempt))
	capped := math.Min(base, float64(p.config.MaxDelay))

	if p.config.Jitter {
		p.mu.Lock()
		factor := 0.8 + p.rand.Float64()*0.4
		p.mu.Unlock()
		capped *= factor
	}

	return time.Duration(capped)
}

// Do executes f, retrying while the error is classified as Retryable and the
// attempt ceiling has not been reached. Once attempts are exhausted the last
// error is escalated regardless of its original classification.
func (p *RetryPolicy) Do(ctx context.Context, f func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < p.config.MaxAttempts; attempt++ {
		p.mu.Lock()
		p.metrics.TotalAttempts++
		if attempt == 1 {
			p.metrics.RetriedOperations++
		}
		p.mu.Unlock()

		err := f(ctx)
		if err == nil {
			if attempt > 0 {
				p.mu.Lock()
				p.metrics.SucceededAfterRetry++
				p.mu.Unlock()

				p.logger.Debug("operation succeeded after retry",
					zap.String("policy", p.name),
					zap.Int("attempts", attempt+1))
			}
			return nil
		}
		lastErr = err

		if Classify(err) == Fatal {
			p.logger.Warn("operation failed with non-retryable error",
				zap.String("policy", p.name),
				zap.Error(err))
			return err
		}

		if attempt == p.config.MaxAttempts-1 {
			break
		}

		delay := p.NextDelay(attempt)
		p.logger.Debug("retrying after transient failure",
			zap.String("policy", p.name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	p.mu.Lock()
	p.metrics.Exhausted++
	p.mu.Unlock()

	p.logger.Warn("retry policy exhausted attempts",
		zap.String("policy", p.name),
		zap.Int("max_attempts", p.config.MaxAttempts),
		zap.Error(lastErr))

	return lastErr
}
