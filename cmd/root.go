// Package cmd holds the face-enroll command line: the gateway server, a
// terminal enrollment session and a smoke test against a running gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/config"
	"github.com/example/face-enroll/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "face-enroll",
	Short: "Collect face images for student enrollment",
	Long: `face-enroll runs the enrollment API gateway in front of the face
processing service, the identity provider and image storage, and drives
capture sessions against it from the terminal.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadRuntime reads the configuration and builds the logger every command
// starts from.
func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}
