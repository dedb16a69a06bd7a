// Package main provides relay-client, a CLI for manual end-to-end checks of
// the mail relay. It publishes work items to the configured broker and waits
// for the ack or nack reply, generates API secret keys, and uploads templates.
//
// Usage:
//
//	relay-client send --to user@example.com --subject "Welcome" --template welcome.html
//	relay-client send --broker amqp --context '{"name":"Ada"}' --to user@example.com ...
//	relay-client keygen --hash
//	relay-client template push welcome.html ./templates/welcome.html
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sungwon/mail-relay/internal/config"
	"github.com/sungwon/mail-relay/internal/logger"
)

var (
	configDir string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "relay-client",
	Short:         "Mail relay test client",
	Long:          "relay-client publishes test work items to the mail relay and manages its secrets and templates.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "config", "directory holding config.yaml and .env")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log broker activity")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(templateCmd)
}

// loadConfig reads the relay configuration shared with the service.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger() zerolog.Logger {
	if verbose {
		return logger.NewFromConfig(logger.Config{Level: "debug", Format: "console", Output: "stderr"})
	}
	return logger.NewFromConfig(logger.Config{Level: "warn", Format: "console", Output: "stderr"})
}
