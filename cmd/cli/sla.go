package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"servicedesk/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sweepTenant string

// slaSweepCmd recomputes open tickets once; suitable for cron when the in-process
// monitor is disabled (sla.monitor_interval=0).
var slaSweepCmd = &cobra.Command{
	Use:   "sla-sweep",
	Short: "Recompute SLA state for every open ticket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := loadRuntime()
		if err != nil {
			return err
		}
		svc := services.NewServices(db, cfg, nil, logrus.StandardLogger())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, err := svc.SLA.RecomputeOpenTickets(ctx, sweepTenant, services.SlaTriggerSweep)
		if err != nil {
			return err
		}
		logrus.WithField("tenant_id", sweepTenant).Infof("sla sweep: recomputed %d tickets", n)
		return nil
	},
}

func init() {
	slaSweepCmd.Flags().StringVar(&sweepTenant, "tenant", "", "only this tenant (default all)")
	rootCmd.AddCommand(slaSweepCmd)
}
