package services

import (
	"strings"
	"testing"
	"time"

	"servicedesk/internal/config"
	"servicedesk/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:services_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Automation.RetryDelay = time.Millisecond
	cfg.Automation.ActionTimeout = time.Second
	return cfg
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

// t0 is a fixed creation time most SLA tests measure from.
var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func createTicket(t *testing.T, db *gorm.DB, tenantID, priority string, createdAt time.Time) *models.Ticket {
	t.Helper()
	ticket := &models.Ticket{
		TenantID:  tenantID,
		Subject:   "printer on fire",
		Priority:  priority,
		Status:    models.TicketStatusOpen,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, db.Create(ticket).Error)
	return ticket
}

func createPolicy(t *testing.T, db *gorm.DB, tenantID, name string, matchRules string, targets ...models.SlaTarget) *models.SlaPolicy {
	t.Helper()
	policy := &models.SlaPolicy{
		TenantID: tenantID,
		Name:     name,
		IsActive: true,
		Targets:  targets,
	}
	if matchRules != "" {
		policy.MatchRules = []byte(matchRules)
	}
	require.NoError(t, db.Create(policy).Error)
	return policy
}

func createRule(t *testing.T, db *gorm.DB, rule models.AutomationRule) *models.AutomationRule {
	t.Helper()
	if rule.TenantID == "" {
		rule.TenantID = "acme"
	}
	if rule.EntityType == "" {
		rule.EntityType = models.EntityTicket
	}
	if rule.Name == "" {
		rule.Name = "rule"
	}
	require.NoError(t, db.Create(&rule).Error)
	return &rule
}
