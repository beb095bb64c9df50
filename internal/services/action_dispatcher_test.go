package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	actions []ActionEvent
	sla     []SlaRecomputeEvent
}

func (s *recordingSink) ActionDispatched(_ context.Context, evt ActionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, evt)
}

func (s *recordingSink) SlaRecomputed(_ context.Context, evt SlaRecomputeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sla = append(s.sla, evt)
}

func ruleWithAction(id uint, priority int, actionType string) *AutomationRule {
	r := compiled(id, priority, RecordTarget{RecordID: "r-1"}, "")
	r.Action = ActionSpec{Type: actionType}
	return r
}

func TestActionDispatcher_FailureDoesNotStopLaterActions(t *testing.T) {
	var mu sync.Mutex
	var order []string
	executor := ActionExecutorFunc(func(ctx context.Context, action ActionSpec, record map[string]interface{}) error {
		mu.Lock()
		order = append(order, action.Type)
		mu.Unlock()
		if action.Type == "explode" {
			return errors.New("smtp down")
		}
		return nil
	})

	d := NewActionDispatcher(time.Second, quietLogger())
	rules := []*AutomationRule{ruleWithAction(1, 1, "explode"), ruleWithAction(2, 2, "notify")}
	results := d.Dispatch(context.Background(), rules, nil, executor)

	require.Len(t, results, 2)
	assert.Equal(t, []string{"explode", "notify"}, order)

	assert.Equal(t, uint(1), results[0].RuleID)
	assert.Equal(t, ActionFailed, results[0].Outcome)
	assert.Equal(t, "smtp down", results[0].Reason)
	assert.ErrorIs(t, results[0].Err, ErrActionFailed)

	assert.Equal(t, uint(2), results[1].RuleID)
	assert.Equal(t, ActionSucceeded, results[1].Outcome)
	assert.NoError(t, results[1].Err)
}

func TestActionDispatcher_PreservesGivenOrder(t *testing.T) {
	var order []uint
	executor := ActionExecutorFunc(func(ctx context.Context, action ActionSpec, record map[string]interface{}) error {
		order = append(order, uint(action.Config["n"].(int)))
		return nil
	})
	var rules []*AutomationRule
	for _, n := range []int{5, 3, 9} {
		r := ruleWithAction(uint(n), 100-n, "noop")
		r.Action.Config = map[string]interface{}{"n": n}
		rules = append(rules, r)
	}

	NewActionDispatcher(time.Second, quietLogger()).Dispatch(context.Background(), rules, nil, executor)
	assert.Equal(t, []uint{5, 3, 9}, order)
}

func TestActionDispatcher_Timeout(t *testing.T) {
	executor := ActionExecutorFunc(func(ctx context.Context, action ActionSpec, record map[string]interface{}) error {
		if action.Type == "slow" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	d := NewActionDispatcher(20*time.Millisecond, quietLogger())
	results := d.Dispatch(context.Background(), []*AutomationRule{ruleWithAction(1, 1, "slow"), ruleWithAction(2, 2, "fast")}, nil, executor)

	require.Len(t, results, 2)
	assert.Equal(t, ActionFailed, results[0].Outcome)
	assert.Equal(t, "timeout", results[0].Reason)
	assert.Equal(t, ActionSucceeded, results[1].Outcome)
}

func TestActionDispatcher_TimeoutIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	executor := ActionExecutorFunc(func(ctx context.Context, action ActionSpec, record map[string]interface{}) error {
		<-release
		return nil
	})

	d := NewActionDispatcher(20*time.Millisecond, quietLogger())
	start := time.Now()
	results := d.Dispatch(context.Background(), []*AutomationRule{ruleWithAction(1, 1, "stuck")}, nil, executor)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "timeout", results[0].Reason)
}

func TestActionDispatcher_WaitsForCancelledExecutor(t *testing.T) {
	var mu sync.Mutex
	var slowDone, fastStart time.Time
	executor := ActionExecutorFunc(func(ctx context.Context, action ActionSpec, record map[string]interface{}) error {
		if action.Type == "lingering" {
			// ignores ctx for a while, then finishes
			time.Sleep(60 * time.Millisecond)
			mu.Lock()
			slowDone = time.Now()
			mu.Unlock()
			return nil
		}
		mu.Lock()
		fastStart = time.Now()
		mu.Unlock()
		return nil
	})

	d := NewActionDispatcher(20*time.Millisecond, quietLogger())
	d.SetCancelGrace(time.Second)
	results := d.Dispatch(context.Background(), []*AutomationRule{ruleWithAction(1, 1, "lingering"), ruleWithAction(2, 2, "next")}, nil, executor)

	require.Len(t, results, 2)
	assert.Equal(t, "timeout", results[0].Reason)
	assert.Equal(t, ActionSucceeded, results[1].Outcome)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, slowDone.IsZero())
	assert.False(t, fastStart.Before(slowDone), "next action started while the timed out one was still running")
}

func TestActionDispatcher_PanicIsFailure(t *testing.T) {
	executor := ActionExecutorFunc(func(ctx context.Context, action ActionSpec, record map[string]interface{}) error {
		if action.Type == "panic" {
			panic("boom")
		}
		return nil
	})

	results := NewActionDispatcher(time.Second, quietLogger()).
		Dispatch(context.Background(), []*AutomationRule{ruleWithAction(1, 1, "panic"), ruleWithAction(2, 2, "ok")}, nil, executor)

	assert.Equal(t, ActionFailed, results[0].Outcome)
	assert.Contains(t, results[0].Reason, "boom")
	assert.Equal(t, ActionSucceeded, results[1].Outcome)
}

func TestActionDispatcher_EventSink(t *testing.T) {
	sink := &recordingSink{}
	executor := ActionExecutorFunc(func(ctx context.Context, action ActionSpec, record map[string]interface{}) error {
		if action.Type == "bad" {
			return errors.New("nope")
		}
		return nil
	})

	d := NewActionDispatcher(time.Second, quietLogger())
	d.SetEventSink(sink)
	d.Dispatch(context.Background(), []*AutomationRule{ruleWithAction(1, 1, "good"), ruleWithAction(2, 2, "bad")}, nil, executor)

	require.Len(t, sink.actions, 2)
	assert.Equal(t, ActionEvent{RuleID: 1, ActionType: "good", Outcome: ActionSucceeded}, sink.actions[0])
	assert.Equal(t, ActionEvent{RuleID: 2, ActionType: "bad", Outcome: ActionFailed, Reason: "nope"}, sink.actions[1])
}

func TestActionDispatcher_NoRules(t *testing.T) {
	results := NewActionDispatcher(time.Second, nil).Dispatch(context.Background(), nil, nil, nil)
	assert.Empty(t, results)
}
