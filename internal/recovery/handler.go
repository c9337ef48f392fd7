package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mavdaviddraughn/tasksmith/internal/event"
)

// Strategy selects what a Handler returns once retries are exhausted or the
// failure is not recoverable.
type Strategy string

const (
	// StrategyDegrade returns an empty result in place of the failed one.
	StrategyDegrade Strategy = "degrade"
	// StrategyCache returns the last known-good result for the key, if any.
	StrategyCache Strategy = "cache"
	// StrategySkip returns nothing and no error.
	StrategySkip Strategy = "skip"
	// StrategyFail propagates the classified failure to the caller.
	StrategyFail Strategy = "fail"
)

// valid reports whether s is a known strategy.
func (s Strategy) valid() bool {
	switch s {
	case StrategyDegrade, StrategyCache, StrategySkip, StrategyFail:
		return true
	}
	return false
}

// Config controls retry, backoff, fallback, and circuit-breaker behavior.
type Config struct {
	// MaxRetries is how many times a recoverable failure is re-attempted
	// after the initial call. Zero means no retries.
	MaxRetries int
	// RetryDelay is the base backoff delay.
	RetryDelay time.Duration
	// ExponentialBackoff doubles the delay each attempt (base * 2^attempt).
	ExponentialBackoff bool
	// FallbackStrategy applies when retries are exhausted or the failure is
	// not recoverable.
	FallbackStrategy Strategy
	// CircuitBreakerThreshold is the consecutive-failure count that opens a
	// circuit. Zero disables circuit breaking.
	CircuitBreakerThreshold int
	// CircuitBreakerCooldown is how long an open circuit rejects calls
	// before permitting a half-open probe.
	CircuitBreakerCooldown time.Duration
}

// DefaultConfig returns the default recovery configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		ExponentialBackoff:      true,
		FallbackStrategy:        StrategyDegrade,
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("recovery config: max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.MaxRetries > 0 && c.RetryDelay <= 0 {
		return fmt.Errorf("recovery config: retry delay must be positive when retries are enabled")
	}
	if !c.FallbackStrategy.valid() {
		return fmt.Errorf("recovery config: unknown fallback strategy %q", c.FallbackStrategy)
	}
	if c.CircuitBreakerThreshold > 0 && c.CircuitBreakerCooldown <= 0 {
		return fmt.Errorf("recovery config: circuit breaker cooldown must be positive")
	}
	return nil
}

// Operation is a unit of risky work guarded by a Handler.
type Operation func(ctx context.Context) (interface{}, error)

// FallbackPayload is published on the event bus when a fallback is applied.
type FallbackPayload struct {
	Strategy Strategy
	Record   Record
	Served   bool // true when StrategyCache found a last-good value
}

// HandlerLogger is the logging surface the handler needs.
type HandlerLogger interface {
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// nopHandlerLogger discards all messages.
type nopHandlerLogger struct{}

func (nopHandlerLogger) Warnf(string, ...interface{})  {}
func (nopHandlerLogger) Errorf(string, ...interface{}) {}

// Handler runs operations with classification, bounded retries, circuit
// breaking, and fallback. One Handler serves many components; state is keyed
// by Context.Key().
type Handler struct {
	cfg      Config
	breakers *BreakerSet
	bus      *event.Bus
	log      HandlerLogger
	journal  *Journal

	mu       sync.Mutex
	lastGood map[string]interface{}
}

// New creates a Handler. The bus, log, and journal may be nil.
func New(cfg Config, bus *event.Bus, log HandlerLogger) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = nopHandlerLogger{}
	}
	return &Handler{
		cfg:      cfg,
		breakers: NewBreakerSet(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown),
		bus:      bus,
		log:      log,
		lastGood: make(map[string]interface{}),
	}, nil
}

// WithJournal attaches a persistent error journal. Every classified failure
// is appended to it; journal write failures are logged, never propagated.
func (h *Handler) WithJournal(j *Journal) *Handler {
	h.journal = j
	return h
}

// Breakers exposes the circuit breaker set for inspection.
func (h *Handler) Breakers() *BreakerSet {
	return h.breakers
}

// Do runs op under the handler's policy:
//
//  1. If the circuit for opCtx's key is open, the operation is not invoked
//     and the circuit-open failure goes straight to fallback.
//  2. Each failure is classified and published as an error event.
//  3. Recoverable failures are retried up to MaxRetries times with fixed or
//     exponential backoff, honoring ctx cancellation during the wait.
//  4. A success resets the circuit and is remembered as the key's last
//     known-good result.
//  5. Exhausted or non-recoverable failures apply the fallback strategy,
//     which itself never fails.
func (h *Handler) Do(ctx context.Context, opCtx Context, op Operation) (interface{}, error) {
	key := opCtx.Key()

	for attempt := 0; ; attempt++ {
		if err := h.breakers.Allow(key); err != nil {
			rec := Classify(err, opCtx)
			h.observe(rec)
			return h.fallback(rec, key, err)
		}

		result, err := op(ctx)
		if err == nil {
			h.breakers.RecordSuccess(key)
			h.remember(key, result)
			return result, nil
		}

		rec := Classify(err, opCtx)
		h.breakers.RecordFailure(key)
		h.observe(rec)

		if !rec.Recoverable || attempt >= h.cfg.MaxRetries {
			return h.fallback(rec, key, err)
		}

		delay := h.cfg.RetryDelay
		if h.cfg.ExponentialBackoff {
			delay = h.cfg.RetryDelay << attempt
		}
		h.log.Warnf("recovery: %s failed (%s), retry %d/%d in %s",
			key, rec.Code, attempt+1, h.cfg.MaxRetries, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			rec := Classify(ctx.Err(), opCtx)
			h.observe(rec)
			return nil, fmt.Errorf("recovery: %s interrupted: %w", key, ctx.Err())
		}
	}
}

// Wrap returns an Operation that runs fn under this handler's policy for the
// given component and operation.
func (h *Handler) Wrap(component, operation string, fn Operation) Operation {
	opCtx := Context{Component: component, Operation: operation}
	return func(ctx context.Context) (interface{}, error) {
		return h.Do(ctx, opCtx, fn)
	}
}

// observe publishes and journals a classified failure.
func (h *Handler) observe(rec Record) {
	if h.bus != nil {
		h.bus.Publish(event.KindError, rec)
	}
	if h.journal != nil {
		if err := h.journal.Append(rec); err != nil {
			h.log.Warnf("recovery: journal append failed: %v", err)
		}
	}
}

// remember stores the key's last known-good result for StrategyCache.
func (h *Handler) remember(key string, result interface{}) {
	h.mu.Lock()
	h.lastGood[key] = result
	h.mu.Unlock()
}

// fallback applies the configured strategy to an unrecovered failure. Only
// StrategyFail returns an error.
func (h *Handler) fallback(rec Record, key string, cause error) (interface{}, error) {
	payload := FallbackPayload{Strategy: h.cfg.FallbackStrategy, Record: rec}

	var result interface{}
	var err error
	switch h.cfg.FallbackStrategy {
	case StrategyCache:
		h.mu.Lock()
		if good, ok := h.lastGood[key]; ok {
			result = good
			payload.Served = true
		}
		h.mu.Unlock()
	case StrategyFail:
		err = &Failure{Record: rec, Err: cause}
	case StrategyDegrade, StrategySkip:
		// Empty result, no error.
	}

	h.log.Errorf("recovery: %s unrecovered (%s), fallback %s",
		key, rec.Code, h.cfg.FallbackStrategy)
	if h.bus != nil {
		h.bus.Publish(event.KindWarning, payload)
	}
	return result, err
}
