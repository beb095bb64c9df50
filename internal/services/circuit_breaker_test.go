package services

import (
	"testing"
	"time"

	"servicedesk/internal/config"
)

func TestCircuitBreaker_Transitions(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMaxReqs: 1})
	cb.now = func() time.Time { return now }

	if cb.State() != BreakerClosed {
		t.Fatalf("new breaker should be closed")
	}
	cb.OnFailure()
	if cb.State() != BreakerClosed {
		t.Fatalf("one failure below threshold should keep breaker closed")
	}
	cb.OnFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("breaker should open after reaching max failures")
	}
	if cb.Allow() {
		t.Fatalf("open breaker must reject before reset timeout")
	}

	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected a probe in half-open")
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state should be half-open after allow")
	}
	if cb.Allow() {
		t.Fatalf("half-open should only admit HalfOpenMaxReqs probes")
	}

	cb.OnSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after success in half-open")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})
	cb.now = func() time.Time { return now }

	cb.OnFailure()
	now = now.Add(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected half-open probe")
	}
	cb.OnFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("failed probe should reopen, got %s", cb.State())
	}
}

func TestCircuitBreakerState_String(t *testing.T) {
	tests := []struct {
		state    CircuitBreakerState
		expected string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
		{CircuitBreakerState(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("String() = %v, want %v", got, tt.expected)
			}
		})
	}
}
