package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/seeker/internal/config"
	"github.com/andresmejia3/seeker/internal/logging"
	"github.com/spf13/cobra"
)

var (
	// cfg and logger are set up by the root PersistentPreRunE and shared by subcommands
	cfg    *config.Config
	logger *slog.Logger

	cfgPath   string
	logLevel  string
	logFormat string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:               "seeker",
	Short:             "Onboard target detection and fin control for a small autonomous vehicle",
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// setup loads configuration and builds the logger. Subcommands with their own
// PersistentPreRunE call it first.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		c.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		c.Log.Format = logFormat
	}

	l, err := logging.New(os.Stderr, c.Log.Level, c.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(l)
	cfg, logger = c, l
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "seeker.yaml", "Path to the YAML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
}
