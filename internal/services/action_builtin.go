package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"servicedesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Builtin action types.
const (
	ActionNotifyLog   = "notify_log"
	ActionSetPriority = "set_priority"
	ActionSetStatus   = "set_status"
	ActionAddTag      = "add_tag"
	ActionEmitEvent   = "emit_event"
	ActionWebhook     = "webhook"
)

// TicketEventHandler recomputes SLA state for a ticket changed outside TicketService.
// SLAService implements it.
type TicketEventHandler interface {
	HandleTicketEvent(ctx context.Context, tenantID string, ticketID uint, trigger SlaTrigger) (*SlaRecomputeResult, error)
}

// RegisterBuiltinActions wires the stock action types. Priority and status changes made
// here recompute SLA through sla (may be nil) but never re-enter automation, so rules
// cannot loop on their own writes. now stamps solved/closed times; nil uses time.Now.
func RegisterBuiltinActions(reg *ActionRegistry, db *gorm.DB, client *http.Client, sla TicketEventHandler, now func() time.Time, logger *logrus.Logger) {
	if logger == nil {
		logger = logrus.New()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if now == nil {
		now = time.Now
	}
	recompute := func(ctx context.Context, tenantID string, ticketID uint, trigger SlaTrigger) {
		if sla == nil {
			return
		}
		if _, err := sla.HandleTicketEvent(ctx, tenantID, ticketID, trigger); err != nil {
			// 变更已提交，重算失败留给下一次触发或巡检
			logger.WithFields(logrus.Fields{
				"tenant_id": tenantID,
				"ticket_id": ticketID,
				"trigger":   trigger,
			}).Errorf("automation: sla recompute failed: %v", err)
		}
	}

	reg.Register(ActionNotifyLog, func(ctx context.Context, cfg, record map[string]interface{}) error {
		msg, _ := cfg["message"].(string)
		if msg == "" {
			msg = "automation trigger"
		}
		logger.WithFields(logrus.Fields{
			"tenant_id": record["tenant_id"],
			"record_id": record["id"],
		}).Infof("automation notify: %s", msg)
		return nil
	})

	reg.Register(ActionSetPriority, func(ctx context.Context, cfg, record map[string]interface{}) error {
		val, _ := cfg["priority"].(string)
		if !models.ValidPriority(val) {
			return Permanent(fmt.Errorf("invalid priority param: %q", val))
		}
		tenantID, ticketID, err := mutateTicket(ctx, db, record, func(t *models.Ticket) {
			t.Priority = val
		})
		if err != nil {
			return err
		}
		recompute(ctx, tenantID, ticketID, SlaTriggerPriorityChanged)
		return nil
	})

	reg.Register(ActionSetStatus, func(ctx context.Context, cfg, record map[string]interface{}) error {
		val, _ := cfg["status"].(string)
		switch val {
		case models.TicketStatusOpen, models.TicketStatusPending, models.TicketStatusSolved, models.TicketStatusClosed:
		default:
			return Permanent(fmt.Errorf("invalid status param: %q", val))
		}
		at := now()
		tenantID, ticketID, err := mutateTicket(ctx, db, record, func(t *models.Ticket) {
			applyTicketStatus(t, val, at)
		})
		if err != nil {
			return err
		}
		recompute(ctx, tenantID, ticketID, SlaTriggerStatusChanged)
		return nil
	})

	reg.Register(ActionAddTag, func(ctx context.Context, cfg, record map[string]interface{}) error {
		tag, _ := cfg["tag"].(string)
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return Permanent(fmt.Errorf("tag param required"))
		}
		tenantID, ticketID, err := ticketRef(record)
		if err != nil {
			return err
		}
		var ticket models.Ticket
		if err := db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, ticketID).First(&ticket).Error; err != nil {
			return fmt.Errorf("load ticket: %w", err)
		}
		tags := splitTags(ticket.Tags)
		for _, t := range tags {
			if t == tag {
				return nil
			}
		}
		tags = append(tags, tag)
		return db.WithContext(ctx).Model(&models.Ticket{}).
			Where("tenant_id = ? AND id = ?", tenantID, ticketID).
			Update("tags", strings.Join(tags, ",")).Error
	})

	reg.Register(ActionEmitEvent, func(ctx context.Context, cfg, record map[string]interface{}) error {
		topic, _ := cfg["topic"].(string)
		if topic == "" {
			topic = TopicCustomEvent
		}
		tenantID, _ := record["tenant_id"].(string)
		if tenantID == "" {
			return Permanent(fmt.Errorf("record has no tenant"))
		}
		return EnqueueOutbox(db.WithContext(ctx), tenantID, OutboxMessage{
			Topic: topic,
			Payload: map[string]interface{}{
				"record":  record,
				"payload": cfg["payload"],
			},
		})
	})

	reg.Register(ActionWebhook, func(ctx context.Context, cfg, record map[string]interface{}) error {
		url, _ := cfg["url"].(string)
		if url == "" {
			return Permanent(fmt.Errorf("url param required"))
		}
		body, err := json.Marshal(map[string]interface{}{
			"record":  record,
			"payload": cfg["payload"],
		})
		if err != nil {
			return Permanent(fmt.Errorf("marshal webhook body: %w", err))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if headers, ok := cfg["headers"].(map[string]interface{}); ok {
			for k, v := range headers {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook responded %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return Permanent(fmt.Errorf("webhook responded %d", resp.StatusCode))
		}
		return nil
	})
}

// mutateTicket loads the ticket named by a TICKET snapshot, applies fn and saves it.
func mutateTicket(ctx context.Context, db *gorm.DB, record map[string]interface{}, fn func(*models.Ticket)) (string, uint, error) {
	tenantID, ticketID, err := ticketRef(record)
	if err != nil {
		return "", 0, err
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ticket models.Ticket
		if err := tx.Where("tenant_id = ? AND id = ?", tenantID, ticketID).First(&ticket).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return Permanent(fmt.Errorf("ticket %d not found", ticketID))
			}
			return fmt.Errorf("load ticket: %w", err)
		}
		fn(&ticket)
		return tx.Save(&ticket).Error
	})
	if err != nil {
		return "", 0, err
	}
	return tenantID, ticketID, nil
}

// ticketRef extracts tenant and ticket id from a TICKET snapshot.
func ticketRef(record map[string]interface{}) (string, uint, error) {
	if et, _ := record["entity_type"].(string); et != models.EntityTicket {
		return "", 0, Permanent(fmt.Errorf("action only applies to tickets, got %q", et))
	}
	tenantID, _ := record["tenant_id"].(string)
	if tenantID == "" {
		return "", 0, Permanent(fmt.Errorf("record has no tenant"))
	}
	var id uint64
	switch v := record["id"].(type) {
	case uint:
		id = uint64(v)
	case int:
		id = uint64(v)
	case float64:
		id = uint64(v)
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return "", 0, Permanent(fmt.Errorf("invalid ticket id %q", v))
		}
		id = parsed
	}
	if id == 0 {
		return "", 0, Permanent(fmt.Errorf("record has no ticket id"))
	}
	return tenantID, uint(id), nil
}

func splitTags(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
