package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/FranksOps/prospector/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "prospector",
	Short:         "prospector finds candidate profiles on a people-search site and enriches them.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Path to a YAML, JSON or TOML config file.")
	flags.StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the environment is read.")
	flags.String("log-level", "", "Log level: debug, info, warn or error.")
	flags.String("log-format", "", "Log format: text or json.")
}

// loadConfig reads the configuration, letting the persistent log flags
// override it, and builds the process logger.
func loadConfig(cmd *cobra.Command, mode config.Mode) (*config.Config, *slog.Logger, error) {
	v := viper.New()
	for key, flag := range map[string]string{"log.level": "log-level", "log.format": "log-format"} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, nil, err
			}
		}
	}

	cfg, err := config.Load(config.Options{File: configFile, EnvFile: envFile, Viper: v})
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("service", "prospector"), nil
}
