package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	pushCmd.AddCommand(pushRegisterCmd)
	rootCmd.AddCommand(pushCmd)
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Manage push notification tokens",
}

var pushRegisterCmd = &cobra.Command{
	Use:   "register <device-token>",
	Short: "Register a device token for remote notifications",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		if err := e.client.RegisterPushToken(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Push token registered")
		return nil
	},
}
