package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"file-batch-ingester/internal/config"
	"file-batch-ingester/internal/telemetry"
)

var appConfig config.Config

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ingestctl",
		Short: "Operate the file batch ingester",
		Long: `ingestctl plans partitions, publishes triggers, bootstraps the Kafka topics and
inspects file state. Connection settings come from the same environment and INGEST_CONFIG file
as the ingester.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			appConfig = cfg
			return telemetry.ConfigureLogging(cfg.LogLevel, "text")
		},
	}
	root.AddCommand(newPlanCmd(), newPublishCmd(), newTopicsCmd(), newStatusCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("ingestctl failed")
		os.Exit(1)
	}
}
