package main

import (
	"time"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/service/app"

	"github.com/spf13/cobra"
)

var chatPoll time.Duration

var chatCmd = &cobra.Command{
	Use:   "chat <channel-id>",
	Short: "Open a channel in the terminal chat pane",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sk, err := secretKey()
		if err != nil {
			return err
		}
		pk, err := keys.PublicKey(sk)
		if err != nil {
			return err
		}
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			return app.NewApp(rt.chat(), sk, pk, chatPoll).Run(cmd.Context(), args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().DurationVar(&chatPoll, "poll", app.DefaultPollInterval, "How often to check for new messages")
}
