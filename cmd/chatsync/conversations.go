package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	chatsync "github.com/chatsync/chatsync/sdk/golang"
)

var (
	conversationsJSON bool
	messagesJSON      bool
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "print JSON")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "print JSON")
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		dir := chatsync.NewDirectory(e.client, chatsync.WithLogger(e.log))
		convs, err := dir.LoadSnapshot(ctx)
		if err != nil {
			return err
		}
		if conversationsJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(convs)
		}
		printConversations(cmd.OutOrStdout(), convs)
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print the history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		engine := chatsync.NewMessageEngine(e.client, e.client, chatsync.WithLogger(e.log))
		msgs, err := engine.LoadSnapshot(ctx, chatsync.NormalizeIdentity(args[0]))
		if err != nil {
			return err
		}
		if messagesJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(cmd.OutOrStdout(), m)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		to := chatsync.NormalizeIdentity(args[0])
		if err := e.client.SendMessage(ctx, to, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message sent to %s\n", to)
		return nil
	},
}
