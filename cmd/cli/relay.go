package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"servicedesk/internal/eventbus"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var relayOnce bool

// relayCmd runs the outbox relay on its own, for deployments that keep the API
// instances free of broker connections.
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish pending outbox events to the configured broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := loadRuntime()
		if err != nil {
			return err
		}
		publisher, err := eventbus.NewPublisher(cfg.Events, logrus.StandardLogger())
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()
		relay := eventbus.NewRelay(db, publisher, cfg.Events.Relay, producerName(cfg), logrus.StandardLogger())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if relayOnce {
			n, err := relay.RunOnce(ctx)
			if err != nil {
				return err
			}
			logrus.Infof("relay: delivered %d events", n)
			return nil
		}
		relay.Run(ctx)
		return nil
	},
}

func init() {
	relayCmd.Flags().BoolVar(&relayOnce, "once", false, "deliver one batch and exit")
	rootCmd.AddCommand(relayCmd)
}
