package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/testbench/pkg/browser"
	"github.com/ethpandaops/testbench/pkg/config"
	"github.com/ethpandaops/testbench/pkg/store"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile  string
	logLevel string
	noColor  bool
	log      = newLogger()
)

// newLogger logs to stderr so stdout carries only command output.
func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return l
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Failed to execute command")
	}
}

var rootCmd = &cobra.Command{
	Use:   "testbench",
	Short: "Test harness for the epcheck endpoint usage checker",
	Long: `Testbench runs the epcheck binary against a suite of case directories,
validates its output against expected fixtures, records every run in a
results database and answers queries about run history, failures,
trends and performance regressions.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}

		log.SetLevel(level)

		if noColor {
			color.NoColor = true
		}

		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("testbench %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level ("+strings.Join(logLevels(), ", ")+")")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(versionCmd)
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}

// loadConfig reads and validates the configuration. The config file's
// log level applies unless --log-level was given explicitly.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !rootCmd.PersistentFlags().Changed("log-level") && cfg.Global.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// openStore starts the results store. Callers must Stop it.
func openStore(ctx context.Context, cfg *config.Config, opts ...store.Option) (store.Store, error) {
	st := store.NewStore(log, &cfg.Database, opts...)
	if err := st.Start(ctx); err != nil {
		if errors.Is(err, store.ErrNotInitialized) {
			return nil, fmt.Errorf("%w (run \"testbench run\" first)", err)
		}

		return nil, fmt.Errorf("starting store: %w", err)
	}

	return st, nil
}

func closeStore(st store.Store) {
	if err := st.Stop(); err != nil {
		log.WithError(err).Warn("Failed to close store")
	}
}

// withBrowser loads config, opens the store read-only and hands a browser
// to fn.
func withBrowser(fn func(ctx context.Context, cfg *config.Config, b *browser.Browser) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg, store.WithReadOnly())
	if err != nil {
		return err
	}
	defer closeStore(st)

	return fn(ctx, cfg, browser.New(log, st, cfg.Validation.DiffPreviewChars))
}

// parseRunID parses a positive run id argument.
func parseRunID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid run id %q", arg)
	}

	return uint(id), nil
}

// parsePositive parses an optional positive integer argument.
func parsePositive(args []string, name string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", name, args[0])
	}

	return n, nil
}
