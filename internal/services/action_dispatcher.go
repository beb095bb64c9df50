package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"servicedesk/internal/metrics"

	"github.com/sirupsen/logrus"
)

// ErrActionFailed wraps every per-action failure reported by the dispatcher.
var ErrActionFailed = errors.New("automation action failed")

// ActionOutcome 动作执行结果
type ActionOutcome string

const (
	ActionSucceeded ActionOutcome = "succeeded"
	ActionFailed    ActionOutcome = "failed"
)

// ActionResult is the outcome of one rule's action.
type ActionResult struct {
	RuleID     uint          `json:"rule_id"`
	RuleName   string        `json:"rule_name"`
	ActionType string        `json:"action_type"`
	Outcome    ActionOutcome `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

func (r ActionResult) Failed() bool { return r.Outcome == ActionFailed }

// ActionExecutor runs a single action against a record snapshot. Implementations must
// honor ctx cancellation: after a timeout the dispatcher waits only a short grace period
// before moving to the next rule, so an executor that ignores ctx may still be running
// while later actions touch the same record.
type ActionExecutor interface {
	Run(ctx context.Context, action ActionSpec, record map[string]interface{}) error
}

// ActionExecutorFunc adapts a function to ActionExecutor.
type ActionExecutorFunc func(ctx context.Context, action ActionSpec, record map[string]interface{}) error

func (f ActionExecutorFunc) Run(ctx context.Context, action ActionSpec, record map[string]interface{}) error {
	return f(ctx, action, record)
}

// ActionEvent is what the dispatcher reports to an EventSink per action.
type ActionEvent struct {
	RuleID     uint          `json:"rule_id"`
	ActionType string        `json:"action_type"`
	Outcome    ActionOutcome `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
}

// EventSink receives dispatch and SLA recompute records. Both methods are optional
// side channels and must not block.
type EventSink interface {
	ActionDispatched(ctx context.Context, evt ActionEvent)
	SlaRecomputed(ctx context.Context, evt SlaRecomputeEvent)
}

// LogEventSink writes sink events to a logrus logger.
type LogEventSink struct {
	Logger *logrus.Logger
}

func (s LogEventSink) ActionDispatched(_ context.Context, evt ActionEvent) {
	s.Logger.WithFields(logrus.Fields{
		"rule_id":     evt.RuleID,
		"action_type": evt.ActionType,
		"outcome":     evt.Outcome,
		"reason":      evt.Reason,
	}).Info("automation: action dispatched")
}

func (s LogEventSink) SlaRecomputed(_ context.Context, evt SlaRecomputeEvent) {
	s.Logger.WithFields(logrus.Fields{
		"tenant_id":      evt.TenantID,
		"ticket_id":      evt.TicketID,
		"newly_breached": evt.NewlyBreached,
	}).Info("sla: state recomputed")
}

// ActionDispatcher runs matched rules' actions in order, bounding each by a timeout.
// A failing action never stops the ones after it, and nothing is retried here.
type ActionDispatcher struct {
	timeout time.Duration
	grace   time.Duration
	sink    EventSink
	logger  *logrus.Logger
}

// DefaultCancelGrace is how long a cancelled executor gets to return before the
// dispatcher moves on.
const DefaultCancelGrace = 250 * time.Millisecond

func NewActionDispatcher(timeout time.Duration, logger *logrus.Logger) *ActionDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionDispatcher{timeout: timeout, grace: DefaultCancelGrace, logger: logger}
}

// SetCancelGrace sets the wait for an executor to return after its ctx is done; 0 does
// not wait.
func (d *ActionDispatcher) SetCancelGrace(grace time.Duration) {
	d.grace = grace
}

// SetEventSink installs an optional sink; nil disables it.
func (d *ActionDispatcher) SetEventSink(sink EventSink) {
	d.sink = sink
}

// Dispatch executes rules strictly in the given order and returns one result per rule.
func (d *ActionDispatcher) Dispatch(ctx context.Context, rules []*AutomationRule, record map[string]interface{}, executor ActionExecutor) []ActionResult {
	results := make([]ActionResult, 0, len(rules))
	for _, rule := range rules {
		res := d.runOne(ctx, rule, record, executor)
		results = append(results, res)

		metrics.ObserveAction(res.ActionType, string(res.Outcome), res.Duration)
		if res.Failed() {
			d.logger.WithFields(logrus.Fields{
				"rule_id":     rule.ID,
				"action_type": res.ActionType,
			}).Warnf("automation: action failed: %s", res.Reason)
		}
		if d.sink != nil {
			d.sink.ActionDispatched(ctx, ActionEvent{
				RuleID:     res.RuleID,
				ActionType: res.ActionType,
				Outcome:    res.Outcome,
				Reason:     res.Reason,
			})
		}
	}
	return results
}

func (d *ActionDispatcher) runOne(ctx context.Context, rule *AutomationRule, record map[string]interface{}, executor ActionExecutor) ActionResult {
	res := ActionResult{RuleID: rule.ID, RuleName: rule.Name, ActionType: rule.Action.Type}
	start := time.Now()

	actx, cancel := ctx, context.CancelFunc(func() {})
	if d.timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, d.timeout)
	}
	defer cancel()

	// buffered so a late executor never blocks after we stopped waiting
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- executor.Run(actx, rule.Action, record)
	}()

	var err error
	select {
	case err = <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = errActionTimeout
		}
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			err = errActionTimeout
		} else {
			err = actx.Err()
		}
		if !d.awaitExecutor(done) {
			d.logger.WithFields(logrus.Fields{
				"rule_id":     rule.ID,
				"action_type": rule.Action.Type,
			}).Warn("automation: executor still running after cancellation")
		}
	}
	res.Duration = time.Since(start)

	if err == nil {
		res.Outcome = ActionSucceeded
		return res
	}
	res.Outcome = ActionFailed
	res.Reason = err.Error()
	res.Err = fmt.Errorf("%w: rule %d: %s", ErrActionFailed, rule.ID, res.Reason)
	return res
}

// awaitExecutor gives a cancelled executor the grace period to return.
func (d *ActionDispatcher) awaitExecutor(done <-chan error) bool {
	if d.grace <= 0 {
		return false
	}
	t := time.NewTimer(d.grace)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

var errActionTimeout = errors.New("timeout")
