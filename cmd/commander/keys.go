package main

import (
	"fmt"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage key pairs",
}

var keysGenCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate a key pair",
	Long:  `Generate a secp256k1 key pair. Put the secret key in secret_key (or COMMANDER_SECRET_KEY) to use it for chat.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := keys.Generate()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "secret: %s\npublic: %s\n", id.SecretKey, id.PublicKey)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenCmd)
}
