package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "patentscope",
	Short: "patentscope collects patent records from the Patentscope result listing.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*verbose)
	},
}

var configPath *string
var verbose *bool

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "config.json5", "The config file, <name>.local.<ext> overrides it.")
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
