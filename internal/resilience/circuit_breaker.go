package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	// BreakerClosed represents normal operation, work is allowed
	BreakerClosed BreakerState = iota
	// BreakerOpen represents a tripped breaker, work is rejected
	BreakerOpen
	// BreakerHalfOpen represents probing whether the dependency recovered
	BreakerHalfOpen
)

// String returns the string representation of the breaker state
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig defines the configuration for a circuit breaker
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the circuit opens
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before probing in half-open state
	OpenTimeout time.Duration
	// HalfOpenSuccesses is the number of consecutive successes required to close the circuit
	HalfOpenSuccesses uint32
}

// DefaultBreakerConfig returns the default circuit breaker configuration
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold:  3,
		OpenTimeout:       60 * time.Second,
		HalfOpenSuccesses: 1,
	}
}

// BreakerSnapshot is the persisted state of a circuit breaker
type BreakerSnapshot struct {
	State                BreakerState `json:"state"`
	ConsecutiveFailures  uint32       `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32       `json:"consecutive_successes"`
	LastTransition       time.Time    `json:"last_transition"`
}

// BreakerStorage persists circuit breaker state so that multiple runners can
// share a breaker. The in-memory implementation is the default.
type BreakerStorage interface {
	// Load returns the persisted snapshot for a breaker, or nil if none exists
	Load(ctx context.Context, name string) (*BreakerSnapshot, error)
	// Save persists the snapshot for a breaker
	Save(ctx context.Context, name string, snapshot *BreakerSnapshot) error
}

// InMemoryBreakerStorage is a process-local implementation of BreakerStorage
type InMemoryBreakerStorage struct {
	snapshots sync.Map // map[string]*BreakerSnapshot
}

// NewInMemoryBreakerStorage creates a new in-memory breaker storage
func NewInMemoryBreakerStorage() *InMemoryBreakerStorage {
	return &InMemoryBreakerStorage{}
}

// Load returns the persisted snapshot for a breaker, or nil if none exists
func (s *InMemoryBreakerStorage) Load(ctx context.Context, name string) (*BreakerSnapshot, error) {
	if snapshot, ok := s.snapshots.Load(name); ok {
		copied := *snapshot.(*BreakerSnapshot)
		return &copied, nil
	}
	return nil, nil
}

// Save persists the snapshot for a breaker
func (s *InMemoryBreakerStorage) Save(ctx context.Context, name string, snapshot *BreakerSnapshot) error {
	copied := *snapshot
	s.snapshots.Store(name, &copied)
	return nil
}

// CircuitBreaker tracks consecutive fatal outcomes and rejects further work
// once a threshold is exceeded. All state transitions happen under a single
// lock; the breaker is the only mutable state shared across application
// pipelines in a run.
type CircuitBreaker struct {
	name     string
	config   *BreakerConfig
	storage  BreakerStorage
	logger   *zap.Logger
	mu       sync.Mutex
	snapshot BreakerSnapshot
}

// NewCircuitBreaker creates a new circuit breaker with in-memory storage
func NewCircuitBreaker(name string, config *BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return NewCircuitBreakerWithStorage(name, config, NewInMemoryBreakerStorage(), logger)
}

// NewCircuitBreakerWithStorage creates a new circuit breaker with custom storage
func NewCircuitBreakerWithStorage(name string, config *BreakerConfig, storage BreakerStorage, logger *zap.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CircuitBreaker{
		name:    name,
		config:  config,
		storage: storage,
		logger:  logger,
		snapshot: BreakerSnapshot{
			State:          BreakerClosed,
			LastTransition: time.Now(),
		},
	}
}

// Initialize loads persisted breaker state, if any
func (cb *CircuitBreaker) Initialize(ctx context.Context) error {
	snapshot, err := cb.storage.Load(ctx, cb.name)
	if err != nil {
		return err
	}
	if snapshot != nil {
		cb.mu.Lock()
		cb.snapshot = *snapshot
		cb.mu.Unlock()
	}
	return nil
}

// Allow reports whether new work may start
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.snapshot.State == BreakerOpen &&
		time.Since(cb.snapshot.LastTransition) >= cb.config.OpenTimeout {
		cb.transitionLocked(BreakerHalfOpen)
	}

	return cb.snapshot.State != BreakerOpen
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshot.State
}

// RecordSuccess records a successful outcome
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.snapshot.ConsecutiveFailures = 0
	cb.snapshot.ConsecutiveSuccesses++

	if cb.snapshot.State == BreakerHalfOpen &&
		cb.snapshot.ConsecutiveSuccesses >= cb.config.HalfOpenSuccesses {
		cb.transitionLocked(BreakerClosed)
	}

	cb.persistLocked()
}

// RecordFailure records a fatal outcome
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.snapshot.ConsecutiveSuccesses = 0
	cb.snapshot.ConsecutiveFailures++

	switch cb.snapshot.State {
	case BreakerHalfOpen:
		// A failed probe re-opens the circuit immediately.
		cb.transitionLocked(BreakerOpen)
	case BreakerClosed:
		if cb.snapshot.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionLocked(BreakerOpen)
		}
	}

	cb.persistLocked()
}

// transitionLocked changes state; callers must hold cb.mu
func (cb *CircuitBreaker) transitionLocked(to BreakerState) {
	if cb.snapshot.State == to {
		return
	}

	cb.logger.Info("circuit breaker state transition",
		zap.String("breaker", cb.name),
		zap.Stringer("from", cb.snapshot.State),
		zap.Stringer("to", to))

	cb.snapshot.State = to
	cb.snapshot.LastTransition = time.Now()
	if to == BreakerHalfOpen || to == BreakerClosed {
		cb.snapshot.ConsecutiveFailures = 0
		cb.snapshot.ConsecutiveSuccesses = 0
	}
}

// persistLocked writes the snapshot to storage; callers must hold cb.mu.
// Saving under the lock keeps writes in transition order, so the persisted
// snapshot can never be staler than the one a later transition produced.
func (cb *CircuitBreaker) persistLocked() {
	snapshot := cb.snapshot
	if err := cb.storage.Save(context.Background(), cb.name, &snapshot); err != nil {
		cb.logger.Error("failed to persist circuit breaker state",
			zap.String("breaker", cb.name),
			zap.Error(err))
	}
}
