package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"file-batch-ingester/internal/models"
	"file-batch-ingester/internal/queue"
	"file-batch-ingester/internal/trigger"
)

func newPublishCmd() *cobra.Command {
	var msg models.TriggerMessage
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a trigger for one file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := trigger.Encode(msg)
			if err != nil {
				return err
			}
			producer, err := queue.NewProducer(appConfig.KafkaBrokers)
			if err != nil {
				return err
			}
			defer producer.Close()
			if err := producer.Publish(cmd.Context(), appConfig.TriggerTopic, []byte(msg.FileID), payload, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", msg.FileID, appConfig.TriggerTopic)
			return nil
		},
	}
	cmd.Flags().StringVar(&msg.FileID, "file-id", "", "idempotency key of the file")
	cmd.Flags().StringVar(&msg.FilePath, "path", "", "local path, s3:// uri or http(s) url")
	cmd.Flags().Int64Var(&msg.RecordCount, "records", 0, "data rows in the file, header excluded")
	cmd.Flags().StringVar(&msg.Delimiter, "delimiter", "", "field delimiter (default \",\")")
	cmd.Flags().StringVar(&msg.SourceSystem, "source-system", "ingestctl", "system that produced the file")
	return cmd
}
