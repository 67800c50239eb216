package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"file-batch-ingester/internal/queue"
)

func newTopicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "Create the trigger and dead-letter topics if missing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tm, err := queue.NewTopicManager(appConfig.KafkaBrokers)
			if err != nil {
				return err
			}
			defer tm.Close()
			created, err := tm.EnsureTopics(cmd.Context(), appConfig.TopicPartitions, appConfig.TopicReplicationFactor,
				appConfig.TriggerTopic, appConfig.DLQTopic)
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "topics already exist")
				return nil
			}
			for _, t := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", t)
			}
			return nil
		},
	}
}
