package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/protoreg/pkg/api/server"
	"github.com/stacklok/protoreg/pkg/config"
	"github.com/stacklok/protoreg/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry HTTP server",
	Long: `Start the registry HTTP server: the manifest submission/review/
registration surface, the catalog and dependency-graph query endpoints, and
the service descriptor and health endpoints described by the external
interface.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("address", config.Default().Address, "Address to listen on")
	flags.String("apiKey", "", "API key required on every /v1/* request (required)")
	flags.String("baseDir", "", "Directory holding per-manifest snapshots and event logs (required)")
	flags.String("dbPath", "", "Path to the sqlite catalog mirror (required)")
	flags.Int("rateLimitMax", config.Default().RateLimit.Max, "Maximum requests per IP per rate-limit window")
	flags.Int("rateLimitWindowMs", config.Default().RateLimit.WindowMs, "Rate-limit window, in milliseconds")
	flags.Int64("jsonLimit", config.Default().JSONLimit, "Maximum accepted request body size, in bytes")
	flags.Bool("requireProvenance", false, "Reject manifest upserts that omit a signed provenance envelope")
	flags.Bool("graphAllowCycles", false, "Allow the dependency graph to accept cycle-forming edges")
	flags.Bool("graphSkipMissingEdges", false, "Skip (instead of placeholder-inserting) edges to unknown URNs")
	flags.Bool("eventLogSkipCorrupt", false, "Skip and log a corrupted event-log line instead of failing recovery")
	flags.Bool("dumpConfig", false, "Print the fully-resolved configuration as YAML and exit without serving")

	for flagName, viperKey := range map[string]string{
		"address":               "address",
		"apiKey":                "apiKey",
		"baseDir":               "baseDir",
		"dbPath":                "dbPath",
		"rateLimitMax":          "rateLimit.max",
		"rateLimitWindowMs":     "rateLimit.windowMs",
		"jsonLimit":             "jsonLimit",
		"requireProvenance":     "requireProvenance",
		"graphAllowCycles":      "graphAllowCycles",
		"graphSkipMissingEdges": "graphSkipMissingEdges",
		"eventLogSkipCorrupt":   "eventLogSkipCorrupt",
	} {
		if err := viper.BindPFlag(viperKey, flags.Lookup(flagName)); err != nil {
			logger.Fatalf("failed to bind %s flag: %v", flagName, err)
		}
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	viper.SetEnvPrefix("REGISTRYD")
	viper.AutomaticEnv()

	// Pre-populate with spec defaults; viper.Unmarshal only overwrites the
	// fields actually present in the flags/env/file, leaving these in place
	// otherwise.
	cfg := config.Default()
	if err := viper.Unmarshal(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("unmarshaling configuration: %w", err)
	}

	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if dump, _ := cmd.Flags().GetBool("dumpConfig"); dump {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshaling resolved configuration: %w", err)
		}
		fmt.Print(string(out))
		return nil
	}

	logger.Infow("loaded registry configuration",
		"address", cfg.Address,
		"baseDir", cfg.BaseDir,
		"dbPath", cfg.DBPath,
		"requireProvenance", cfg.RequireProvenance,
		"rateLimitMax", cfg.RateLimit.Max,
		"rateLimitWindow", time.Duration(cfg.RateLimit.WindowMs)*time.Millisecond,
	)

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build registry server: %w", err)
	}

	return srv.Run()
}
