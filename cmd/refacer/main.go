// Command refacer replaces a chosen face across every frame of a video.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "refacer",
		Short:         "Video face replacement pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")

	root.AddCommand(newProcessCommand())
	root.AddCommand(newJobsCommand())
	root.AddCommand(newSampleConfigCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
