package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/config"
	"github.com/go-go-golems/marionette/pkg/inference"
)

var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		v := version
		if v == "dev" {
			if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
				v = info.Main.Version
			}
		}
		fmt.Println(v)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and list the endpoints it defines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		registry, err := inference.NewRegistry(cfg)
		if err != nil {
			return err
		}
		for _, m := range registry.Models() {
			mark := " "
			if m.Default {
				mark = "*"
			}
			fmt.Printf("%s %-20s %-10s %s\n", mark, m.Name, m.Kind, m.Model)
		}
		if cfg.VectorStore.Enabled() {
			fmt.Printf("  vector store: %s\n", cfg.VectorStore.Kind)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
