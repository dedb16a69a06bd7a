package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sungwon/mail-relay/internal/templates"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage relay templates",
}

var templatePushCmd = &cobra.Command{
	Use:   "push <name> <file>",
	Short: "Upload a template to the configured store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read template: %w", err)
		}

		store, err := templates.NewStore(templates.Config{
			Type:       cfg.Templates.Type,
			Path:       cfg.Templates.Path,
			S3Bucket:   cfg.Templates.S3Bucket,
			S3Prefix:   cfg.Templates.S3Prefix,
			S3Endpoint: cfg.Templates.S3Endpoint,
			S3Region:   cfg.Templates.S3Region,
		}, newLogger())
		if err != nil {
			return err
		}
		if err := store.Put(cmd.Context(), args[0], data); err != nil {
			return err
		}
		fmt.Printf("pushed %s (%d bytes) to %s store\n", args[0], len(data), cfg.Templates.Type)
		return nil
	},
}

func init() {
	templateCmd.AddCommand(templatePushCmd)
}
