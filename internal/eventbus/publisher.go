package eventbus

import (
	"context"
	"fmt"

	"servicedesk/internal/config"

	"github.com/sirupsen/logrus"
)

// Publisher delivers envelopes to a broker. Publish returns only after the broker
// accepted the message; delivery is at least once and consumers dedupe on Meta.ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Close() error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	Logger *logrus.Logger
}

func (p LogPublisher) Publish(_ context.Context, topic string, env Envelope) error {
	p.Logger.WithFields(logrus.Fields{
		"event_id":  env.Meta.ID,
		"topic":     topic,
		"tenant_id": env.Meta.TenantID,
		"attempt":   env.Meta.Attempt,
	}).Info("event published")
	return nil
}

func (LogPublisher) Close() error { return nil }

// NewPublisher builds the publisher selected by events.driver.
func NewPublisher(cfg config.EventsConfig, logger *logrus.Logger) (Publisher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	switch cfg.Driver {
	case "", "log":
		return LogPublisher{Logger: logger}, nil
	case "amqp":
		return NewAMQPPublisher(cfg.AMQP, logger)
	case "nats":
		return NewNATSPublisher(cfg.NATS, logger)
	default:
		return nil, fmt.Errorf("unknown events driver: %s", cfg.Driver)
	}
}
