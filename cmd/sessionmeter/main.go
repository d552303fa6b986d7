package main

import (
	"fmt"
	"os"

	"github.com/janekbaraniewski/sessionmeter/internal/config"
	"github.com/janekbaraniewski/sessionmeter/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Config path: %s\n", config.ConfigPath())
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)

	root := cobra.Command{
		Use:     "sessionmeter",
		Short:   "Sessionmeter records and reports token usage for supervised AI coding agent sessions.",
		Version: version.String(),
	}

	root.AddCommand(NewStatsCommand(cfg))
	root.AddCommand(NewCumulativeCommand(cfg))
	root.AddCommand(NewReplayCommand(cfg, logger))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.WarnLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
}

func resolveDBPath(cfg config.Config, override string) string {
	if override != "" {
		return override
	}
	if cfg.DBPath != "" {
		return cfg.DBPath
	}
	return config.DefaultDBPath()
}
