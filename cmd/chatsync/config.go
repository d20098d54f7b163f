package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var showEffective bool

func init() {
	configShowCmd.Flags().BoolVar(&showEffective, "effective", false, "overlay CHATSYNC_* variables and ./.env, with the token masked")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify ~/.chatsync/config.toml. Sections: [default], [auth], [identity].",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showEffective {
			cfg, err := effectiveConfig()
			if err != nil {
				return err
			}
			cfg.Auth.Token = maskToken(cfg.Auth.Token)
			data, err := toml.Marshal(cfg)
			if err != nil {
				return errors.Wrap(err, "cannot marshal config")
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync init <token>' to create one.")
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "cannot read config file")
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}
		v, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value using section.field keys.

  chatsync config set default.base_url https://chat.example.com
  chatsync config set identity.self "+15550001111,whatsapp:+15550002222"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		shown, _ := getConfigValue(cfg, key)
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		return nil
	},
}

// getConfigValue is the read side of setConfigValue. Tokens come back
// masked.
func getConfigValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.base_url":
		return cfg.Default.BaseURL, nil
	case "default.namespace":
		return cfg.Default.Namespace, nil
	case "default.log_level":
		return cfg.Default.LogLevel, nil
	case "auth.token":
		return maskToken(cfg.Auth.Token), nil
	case "identity.self":
		return strings.Join(cfg.Identity.Self, ","), nil
	}
	return "", errors.Errorf("unknown config key %q", key)
}

func maskToken(tok string) string {
	if len(tok) <= 4 {
		return strings.Repeat("*", len(tok))
	}
	return strings.Repeat("*", len(tok)-4) + tok[len(tok)-4:]
}
