package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcpp-go/internal/config"
	"mcpp-go/internal/logs"
	"mcpp-go/internal/server"
)

var (
	configFile     string
	dataDir        string
	listen         string
	logLevel       string
	logToFile      bool
	logDir         string
	consentTimeout int

	version = "v0.1.0" // Injected by -ldflags during build
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "mcpp",
		Short:   "MCPP - privacy-preserving data proxy for Model Context Protocol hosts",
		Version: version,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpp)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Enable logging to file in standard OS location")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")
	rootCmd.PersistentFlags().IntVar(&consentTimeout, "consent-timeout", 0, "Consent wait timeout in seconds (0 = use config)")

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// applyLoggingOverrides layers the logging flags over the configured logging
// block. Flags left at their defaults do not clobber file settings.
func applyLoggingOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultLogConfig()
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-to-file") {
		cfg.Logging.EnableFile = logToFile
	}
	if cmd.Flags().Changed("log-dir") && logDir != "" {
		cfg.Logging.LogDir = logDir
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	applyLoggingOverrides(cmd, cfg)

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cmd.Flags().Changed("listen") && listen != "" {
		cfg.Listen = listen
	}
	if cmd.Flags().Changed("consent-timeout") && consentTimeout > 0 {
		cfg.ConsentTimeoutSeconds = consentTimeout
	}

	logger.Info("Starting mcpp",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("log_level", cfg.Logging.Level),
		zap.Int("tools", len(cfg.Tools)))

	srv, err := server.New(cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("mcpp stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}
	if dataDir != "" {
		_ = os.Setenv("MCPP_DATA", dataDir)
	}
	return config.Load()
}
