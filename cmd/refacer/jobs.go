package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dudu/refacer/internal/config"
	"github.com/dudu/refacer/internal/store"
)

func newJobsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return fmt.Errorf("job history is disabled (store.path is empty)")
			}

			history, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer history.Close()

			records, err := history.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no jobs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tVIDEO\tFRAMES\tSWAPPED\tDEGRADED\tUPDATED")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
					r.ID[:8], r.State, r.TargetVideoPath,
					r.Processed, r.FramesTotal, r.Swapped, r.Degraded,
					r.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to list")
	return cmd
}

func newSampleConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sample-config",
		Short: "Print an annotated sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Print(config.Sample())
			return err
		},
	}
}
