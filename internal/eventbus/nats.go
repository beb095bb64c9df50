package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"servicedesk/internal/config"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const eventStreamMaxAge = 7 * 24 * time.Hour

// NATSPublisher publishes envelopes into a JetStream stream. The subject is
// <prefix>.<topic>; Nats-Msg-Id lets the server drop redelivered duplicates.
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	logger *logrus.Logger
}

func NewNATSPublisher(cfg config.NATSConfig, logger *logrus.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("servicedesk-outbox"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	prefix := strings.Trim(cfg.SubjectPrefix, ".")
	if err := ensureStream(js, cfg.Stream, prefix+".>"); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Infof("NATS publisher connected, stream=%s", cfg.Stream)
	return &NATSPublisher{nc: nc, js: js, prefix: prefix, logger: logger}, nil
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound {
		return fmt.Errorf("stream info %q: %w", name, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{subject},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     eventStreamMaxAge,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("add stream %q: %w", name, err)
	}
	return nil
}

// Subject maps an outbox topic to its NATS subject.
func (p *NATSPublisher) Subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := nats.NewMsg(p.Subject(topic))
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, env.Meta.ID)
	msg.Header.Set("Tenant-Id", env.Meta.TenantID)
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
