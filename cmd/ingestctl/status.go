package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"file-batch-ingester/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <fileId>",
		Short: "Print the processing state of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.New(cmd.Context(), appConfig.PostgresDSN, 2)
			if err != nil {
				return err
			}
			defer db.Close()
			st, err := store.NewFileLog(db).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}
