// Package app provides the entry point for the registryd command-line
// application: a cobra root command with a single "serve" subcommand,
// configured through flags, environment variables, and an optional YAML
// file via viper.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/protoreg/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "registryd",
	DisableAutoGenTag: true,
	Short:             "Run the protocol manifest registry server",
	Long: `registryd serves the protocol manifest registry: submission, review,
approval, and registration of API, data, event, workflow, agent, and semantic
manifests, plus the catalog and dependency-graph query surface built on top
of them.`,
}

// NewRootCmd creates a new root command for the registryd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.AddCommand(serveCmd)
	return rootCmd
}

func init() {
	logger.Initialize()
}
