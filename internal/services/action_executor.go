package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"servicedesk/internal/config"

	"github.com/sirupsen/logrus"
)

// ActionHandler implements one action type.
type ActionHandler func(ctx context.Context, cfg map[string]interface{}, record map[string]interface{}) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (bad config, wrong entity, 4xx).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// ActionRegistry is the ActionExecutor used in production: it looks up the handler
// for an action type and runs it behind a per-type circuit breaker with bounded retries.
type ActionRegistry struct {
	handlers   map[string]ActionHandler
	breakers   map[string]*CircuitBreaker
	breakerCfg config.CircuitBreakerConfig
	retries    int
	retryDelay time.Duration
	mu         sync.Mutex
	logger     *logrus.Logger
}

func NewActionRegistry(cfg config.AutomationConfig, logger *logrus.Logger) *ActionRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionRegistry{
		handlers:   make(map[string]ActionHandler),
		breakers:   make(map[string]*CircuitBreaker),
		breakerCfg: cfg.CircuitBreaker,
		retries:    cfg.ExecutorRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

func (r *ActionRegistry) Register(actionType string, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// Has reports whether an action type is registered.
func (r *ActionRegistry) Has(actionType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[actionType]
	return ok
}

// Types lists registered action types, sorted.
func (r *ActionRegistry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// BreakerStats returns the state of every breaker created so far.
func (r *ActionRegistry) BreakerStats() map[string]map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]interface{}, len(r.breakers))
	for t, cb := range r.breakers {
		out[t] = cb.Stats()
	}
	return out
}

func (r *ActionRegistry) lookup(actionType string) (ActionHandler, *CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[actionType]
	if !ok {
		return nil, nil
	}
	if !r.breakerCfg.Enabled {
		return h, nil
	}
	cb, ok := r.breakers[actionType]
	if !ok {
		cb = NewCircuitBreaker(r.breakerCfg)
		r.breakers[actionType] = cb
	}
	return h, cb
}

// Run implements ActionExecutor.
func (r *ActionRegistry) Run(ctx context.Context, action ActionSpec, record map[string]interface{}) error {
	h, cb := r.lookup(action.Type)
	if h == nil {
		return fmt.Errorf("unsupported action type: %s", action.Type)
	}
	if cb != nil && !cb.Allow() {
		return fmt.Errorf("%s: %w", action.Type, ErrCircuitOpen)
	}

	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}
		err = h(ctx, action.Config, record)
		if err == nil || isPermanent(err) || ctx.Err() != nil {
			break
		}
		r.logger.WithFields(logrus.Fields{
			"action_type": action.Type,
			"attempt":     attempt + 1,
		}).Debugf("automation: action attempt failed: %v", err)
	}

	if cb != nil {
		// 配置类错误不计入熔断
		if err == nil || isPermanent(err) {
			cb.OnSuccess()
		} else {
			cb.OnFailure()
		}
	}
	return err
}
