package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/logging"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "marionette",
	Short: "Streaming chat relay between websocket clients and model endpoints",
	Long: `marionette relays chat between websocket clients and OpenAI-compatible
model endpoints. Each connection gets a session that serializes turns,
streams fragments back in order, and optionally augments prompts from a
vector store before inference.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Setup(flagLogLevel, flagLogFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (or $MARIONETTE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "auto", "log format (console, json, auto)")
}
