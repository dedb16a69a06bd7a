package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sungwon/mail-relay/internal/auth"
)

var keygenHash bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API secret key",
	Long: `keygen prints a random secret for X-Secret-Key. With --hash it also prints a
bcrypt hash that can be stored as api.secret_key instead of the plain value.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		key, err := auth.GenerateSecretKey()
		if err != nil {
			return err
		}
		fmt.Printf("secret: %s\n", key)
		if keygenHash {
			hash, err := auth.HashSecret(key)
			if err != nil {
				return err
			}
			fmt.Printf("hash:   %s\n", hash)
		}
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenHash, "hash", false, "also print a bcrypt hash of the secret")
}
