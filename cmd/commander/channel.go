package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/OpenAgentsInc/commander/internal/chat"
	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/model"

	"github.com/spf13/cobra"
)

var (
	channelAbout   string
	channelPicture string
	channelReplyTo string
	channelReplyPK string
	channelLimit   int
	channelSince   time.Duration
	channelAll     bool
	channelReason  string
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Public chat channels",
}

// secretKey returns the configured long-lived key chat commands sign with.
func secretKey() (string, error) {
	if cfg.SecretKey == "" {
		return "", errors.New("chat needs secret_key (or COMMANDER_SECRET_KEY); see `commander keys gen`")
	}
	return cfg.SecretKey, nil
}

var channelCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sk, err := secretKey()
		if err != nil {
			return err
		}
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			ch, err := rt.chat().CreateChannel(cmd.Context(), sk, model.ChannelMetadata{
				Name:    args[0],
				About:   channelAbout,
				Picture: channelPicture,
				Relays:  rt.cfg.Relays,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel: %s\n", ch.ID)
			return nil
		})
	},
}

var channelPostCmd = &cobra.Command{
	Use:   "post <channel-id> <message>",
	Short: "Post a message to a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sk, err := secretKey()
		if err != nil {
			return err
		}
		var reply *model.Reply
		if channelReplyTo != "" {
			reply = &model.Reply{EventID: channelReplyTo, Author: channelReplyPK}
		}
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			m, err := rt.chat().SendMessage(cmd.Context(), sk, args[0], args[1], reply)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "message: %s\n", m.ID)
			return nil
		})
	},
}

var channelReadCmd = &cobra.Command{
	Use:   "read <channel-id>",
	Short: "Show recent messages of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := chat.ListOptions{Limit: channelLimit}
		if channelSince > 0 {
			opts.Since = time.Now().Add(-channelSince)
		}
		if !channelAll && cfg.SecretKey != "" {
			viewer, err := keys.PublicKey(cfg.SecretKey)
			if err != nil {
				return err
			}
			opts.Viewer = viewer
		}

		return withRuntime(cmd.Context(), func(rt *runtime) error {
			svc := rt.chat()
			ch, err := svc.GetChannel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			msgs, err := svc.ListMessages(cmd.Context(), ch.ID, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", ch.Metadata.Name)
			if ch.Metadata.About != "" {
				fmt.Fprintln(out, ch.Metadata.About)
			}
			fmt.Fprintln(out)
			for _, m := range slices.Backward(msgs) {
				printMessage(out, m)
			}
			return nil
		})
	},
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recently created channels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			channels, err := rt.chat().ListChannels(cmd.Context(), channelLimit)
			if err != nil {
				return err
			}
			for _, ch := range channels {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24s %s\n", ch.ID, ch.Metadata.Name, ch.Metadata.About)
			}
			return nil
		})
	},
}

var channelHideCmd = &cobra.Command{
	Use:   "hide <message-id>",
	Short: "Hide a message from your own view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sk, err := secretKey()
		if err != nil {
			return err
		}
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			_, err := rt.chat().HideMessage(cmd.Context(), sk, args[0], channelReason)
			return err
		})
	},
}

var channelMuteCmd = &cobra.Command{
	Use:   "mute <pubkey>",
	Short: "Mute a user in your own view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sk, err := secretKey()
		if err != nil {
			return err
		}
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			_, err := rt.chat().MuteUser(cmd.Context(), sk, args[0], channelReason)
			return err
		})
	},
}

func printMessage(w io.Writer, m *model.ChannelMessage) {
	reply := ""
	if m.ReplyTo != "" {
		reply = " (re " + abbrev(m.ReplyTo) + ")"
	}
	fmt.Fprintf(w, "%s %s%s: %s\n", m.CreatedAt.Format("15:04"), abbrev(m.Author), reply, m.Content)
}

func abbrev(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	rootCmd.AddCommand(channelCmd)
	channelCmd.AddCommand(channelCreateCmd, channelPostCmd, channelReadCmd, channelListCmd, channelHideCmd, channelMuteCmd)

	channelCreateCmd.Flags().StringVar(&channelAbout, "about", "", "Channel description")
	channelCreateCmd.Flags().StringVar(&channelPicture, "picture", "", "Channel picture URL")

	channelPostCmd.Flags().StringVar(&channelReplyTo, "reply-to", "", "Id of the message being answered")
	channelPostCmd.Flags().StringVar(&channelReplyPK, "reply-author", "", "Public key of the message being answered")

	for _, c := range []*cobra.Command{channelReadCmd, channelListCmd} {
		c.Flags().IntVarP(&channelLimit, "limit", "n", chat.DefaultListLimit, "Maximum number of entries")
	}
	channelReadCmd.Flags().DurationVar(&channelSince, "since", 0, "Only messages newer than this")
	channelReadCmd.Flags().BoolVar(&channelAll, "all", false, "Ignore your hides and mutes")

	for _, c := range []*cobra.Command{channelHideCmd, channelMuteCmd} {
		c.Flags().StringVar(&channelReason, "reason", "", "Reason")
	}
}
