package services

import (
	"net/http"
	"time"

	"servicedesk/internal/config"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"
)

// Services groups the wired service graph shared by the HTTP server and the CLI.
type Services struct {
	Store      *GormRuleStore
	Actions    *ActionRegistry
	Matcher    *RuleMatcher
	Dispatcher *ActionDispatcher
	Engine     *SlaTimerEngine
	Automation *AutomationService
	SLA        *SLAService
	Tickets    *TicketService
}

// NewServices wires the rule store, engines and services over db. client is used by
// the webhook action; nil builds a traced client with automation.webhook.timeout.
func NewServices(db *gorm.DB, cfg *config.Config, client *http.Client, logger *logrus.Logger) *Services {
	if logger == nil {
		logger = logrus.New()
	}
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Automation.Webhook.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	store := NewGormRuleStore(db, logger)
	actions := NewActionRegistry(cfg.Automation, logger)

	sink := LogEventSink{Logger: logger}
	matcher := NewRuleMatcher(store, logger)
	dispatcher := NewActionDispatcher(cfg.Automation.ActionTimeout, logger)
	dispatcher.SetEventSink(sink)
	automation := NewAutomationService(db, matcher, dispatcher, actions, logger)

	engine := NewSlaTimerEngine(store, store, cfg.SLA.MaxRecomputeRetries, logger)
	engine.SetEventSink(sink)
	sla := NewSLAService(db, engine, logger)
	sla.SetAutomation(automation, cfg.SLA.BreachTrigger)
	RegisterBuiltinActions(actions, db, client, sla, func() time.Time { return sla.now() }, logger)

	return &Services{
		Store:      store,
		Actions:    actions,
		Matcher:    matcher,
		Dispatcher: dispatcher,
		Engine:     engine,
		Automation: automation,
		SLA:        sla,
		Tickets:    NewTicketService(db, sla, automation, logger),
	}
}
