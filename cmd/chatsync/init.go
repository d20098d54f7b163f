package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	chatsync "github.com/chatsync/chatsync/sdk/golang"
)

var (
	initBaseURL string
	initSelf    []string
)

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "backend URL")
	initCmd.Flags().StringSliceVar(&initSelf, "self", nil, "the account's own numbers, comma separated or repeated")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Write the token and account identity to ~/.chatsync/config.toml",
	Long: `Write the backend token and, optionally, the account's own numbers.

The numbers decide the direction of messages whose payload does not carry
one. Numbers already in [identity] are kept; duplicates that differ only in
provider decoration ("whatsapp:+", "@c.us") are dropped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		cfg.Auth.Token = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Namespace == "" {
			cfg.Default.Namespace = "chat"
		}
		cfg.Identity.Self = mergeIdentities(cfg.Identity.Self, initSelf)

		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		path, _ := configPath()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Token saved to %s\n", path)
		if len(cfg.Identity.Self) == 0 {
			fmt.Fprintln(out, "No own numbers set; add them with --self or 'chatsync config set identity.self'.")
		} else {
			fmt.Fprintf(out, "Own numbers: %s\n", strings.Join(cfg.Identity.Self, ", "))
		}
		return nil
	},
}

// mergeIdentities appends the new numbers to have, skipping any that
// normalize to a number already present.
func mergeIdentities(have, add []string) []string {
	seen := make([]string, 0, len(have)+len(add))
	out := make([]string, 0, len(have)+len(add))
	for _, s := range slices.Concat(have, add) {
		key := chatsync.NormalizeIdentity(s)
		if key == "" || slices.Contains(seen, key) {
			continue
		}
		seen = append(seen, key)
		out = append(out, strings.TrimSpace(s))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
