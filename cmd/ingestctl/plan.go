package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"file-batch-ingester/internal/partition"
)

func newPlanCmd() *cobra.Command {
	var (
		records   int64
		gridSize  int
		delimiter string
	)
	cmd := &cobra.Command{
		Use:   "plan <filePath>",
		Short: "Print the partitions a run would process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if records <= 0 {
				return errors.New("--records must be positive")
			}
			if gridSize <= 0 {
				gridSize = appConfig.GridSize
			}
			parts := partition.Plan(args[0], records, delimiter, gridSize)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tSTART\tEND\tLINES")
			for _, p := range parts {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", p.Index, p.StartLine, p.EndLine(), p.LineCount)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64Var(&records, "records", 0, "data rows in the file, header excluded")
	cmd.Flags().IntVar(&gridSize, "grid-size", 0, "partitions to plan (default from BATCH_GRID_SIZE)")
	cmd.Flags().StringVar(&delimiter, "delimiter", ",", "field delimiter")
	return cmd
}
