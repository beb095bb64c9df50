package eventbus

import (
	"context"
	"fmt"
	"time"

	"servicedesk/internal/config"
	"servicedesk/internal/metrics"
	"servicedesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Relay 将 outbox 表中未投递的事件发布到消息总线
type Relay struct {
	db        *gorm.DB
	publisher Publisher
	cfg       config.RelayConfig
	producer  string
	now       func() time.Time
	logger    *logrus.Logger
}

func NewRelay(db *gorm.DB, publisher Publisher, cfg config.RelayConfig, producer string, logger *logrus.Logger) *Relay {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Relay{
		db:        db,
		publisher: publisher,
		cfg:       cfg,
		producer:  producer,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock overrides the time source.
func (r *Relay) SetClock(now func() time.Time) {
	r.now = now
}

// Backoff returns the delay before the given retry attempt (1-based): base doubling
// per attempt, capped.
func (r *Relay) Backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if r.cfg.BackoffCap > 0 && d >= r.cfg.BackoffCap {
			return r.cfg.BackoffCap
		}
	}
	if r.cfg.BackoffCap > 0 && d > r.cfg.BackoffCap {
		return r.cfg.BackoffCap
	}
	return d
}

// RunOnce publishes one batch of due events in creation order and returns how many
// were delivered. Publish failures are recorded on the row, not returned.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	var rows []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("delivered_at IS NULL AND next_attempt_at <= ? AND attempts < ?", now, r.cfg.MaxAttempts).
		Order("id ASC").
		Limit(r.cfg.BatchSize).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("load outbox batch: %w", err)
	}

	delivered := 0
	for i := range rows {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		row := &rows[i]
		if r.deliver(ctx, row) {
			delivered++
		}
	}
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, row *models.OutboxEvent) bool {
	env := FromOutbox(row, r.producer)
	pubErr := r.publisher.Publish(ctx, row.Topic, env)
	now := r.now().UTC()

	if pubErr == nil {
		metrics.IncOutboxPublish(row.Topic, "delivered")
		err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{"delivered_at": now, "attempts": row.Attempts + 1, "last_error": ""}).Error
		if err != nil {
			// 已发布但未标记，下一轮会重复投递，消费者按 event_id 去重
			r.logger.Errorf("outbox: mark event %s delivered failed: %v", row.EventID, err)
		}
		return true
	}

	attempts := row.Attempts + 1
	updates := map[string]interface{}{
		"attempts":        attempts,
		"last_error":      pubErr.Error(),
		"next_attempt_at": now.Add(r.Backoff(attempts)),
	}
	fields := logrus.Fields{"event_id": row.EventID, "topic": row.Topic, "attempt": attempts}
	if attempts >= r.cfg.MaxAttempts {
		metrics.IncOutboxPublish(row.Topic, "dead")
		r.logger.WithFields(fields).Errorf("outbox: giving up on event: %v", pubErr)
	} else {
		metrics.IncOutboxPublish(row.Topic, "retry")
		r.logger.WithFields(fields).Warnf("outbox: publish failed: %v", pubErr)
	}
	if err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		r.logger.Errorf("outbox: record failure for event %s: %v", row.EventID, err)
	}
	return false
}

// Run polls until ctx is done. A full batch is followed immediately by the next.
func (r *Relay) Run(ctx context.Context) {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	r.logger.Info("Starting outbox relay")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return
		case <-timer.C:
		}

		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Errorf("outbox relay error: %v", err)
		}
		next := interval
		if n >= r.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// Pending counts undelivered events that can still be retried.
func (r *Relay) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("delivered_at IS NULL AND attempts < ?", r.cfg.MaxAttempts).
		Count(&n).Error
	return n, err
}
