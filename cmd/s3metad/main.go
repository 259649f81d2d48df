// Command s3metad serves the S3 API on top of an ordered metadata store.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wzshiming/s3meta/pkg/config"
)

var (
	cfgFile   string
	address   string
	region    string
	logLevel  string
	logFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "s3metad",
		Short: "S3 compatible object gateway",
		Long: `s3metad serves the S3 REST API. Object metadata lives in an ordered
key-value store (bolt, sqlite, mongo or memory), object data in a blob
store (local directory, memory or an upstream S3 bucket).

Examples:
  # Serve with a config file
  s3metad serve --config s3meta.yaml

  # Serve in memory on another port
  S3META_METASTORE_BACKEND=memory S3META_BLOB_BACKEND=memory s3metad serve --address :9000

  # Abort uploads older than a week once
  s3metad gc --older-than 168h`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ./s3meta.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json or console (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the S3 server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&address, "address", "a", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&region, "region", "", "region reported to clients (overrides config)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(newGCCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Address = address
	}
	if flags.Changed("region") {
		cfg.Region = region
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Log) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = l
	}
	var logger zerolog.Logger
	switch cfg.Format {
	case "json":
		logger = zerolog.New(os.Stderr)
	default:
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}
