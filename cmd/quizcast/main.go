package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"quizcast/internal/app"
	"quizcast/internal/config"
	"quizcast/internal/logging"
)

var (
	configPath string
	logger     zerolog.Logger
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "quizcast",
	Short: "quizcast - live quiz and poll broadcast server",
	Long:  "quizcast relays presenter commands and participant responses between the members of live classroom sessions over WebSockets.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the quizcast server",
	RunE:  runServe,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration and print the effective settings",
	RunE:  runCheckConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("QUIZCAST_CONFIG_FILE"),
		"path to a JSON config file (file > environment > defaults)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	var err error
	cfg, err = config.LoadConfigWithPrecedence(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = logging.Setup(cfg.Environment)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down gracefully...")
	case err := <-application.Err():
		if err != nil {
			logger.Error().Err(err).Msg("server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
