package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Identity ConfigIdentity `toml:"identity"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	Namespace string `toml:"namespace"`
	LogLevel  string `toml:"log_level"`
}

// ConfigAuth holds the backend credentials.
type ConfigAuth struct {
	Token string `toml:"token"`
}

// ConfigIdentity lists the account's own numbers, used to tell outbound
// messages apart when the provider does not say.
type ConfigIdentity struct {
	Self []string `toml:"self"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine home directory")
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create config directory")
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, errors.Wrap(err, "cannot read config")
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "cannot write config")
	}
	return nil
}

// effectiveConfig loads the config file and overlays the environment,
// including variables from ./.env.
func effectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load(".env")
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("CHATSYNC_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := getenv("CHATSYNC_NAMESPACE"); v != "" {
		cfg.Default.Namespace = v
	}
	if v := getenv("CHATSYNC_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := getenv("CHATSYNC_SELF"); v != "" {
		cfg.Identity.Self = splitList(v)
	}
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return errors.New("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "namespace":
			cfg.Default.Namespace = value
		case "log_level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return errors.Wrapf(err, "invalid log level %q", value)
			}
			cfg.Default.LogLevel = value
		default:
			return errors.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return errors.Errorf("unknown field %q in section [auth]", field)
		}
	case "identity":
		switch field {
		case "self":
			cfg.Identity.Self = splitList(value)
		default:
			return errors.Errorf("unknown field %q in section [identity]", field)
		}
	default:
		return errors.Errorf("unknown config section %q (valid: default, auth, identity)", section)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ============================================================================
// Logging
// ============================================================================

var logLevel string

// newLogger builds a console logger on stderr. flag wins over the config
// value; an unknown level falls back to info.
func newLogger(flag, configured string) zerolog.Logger {
	name := flag
	if name == "" {
		name = configured
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync CLI",
	Long:  "Command-line interface for the chatsync client.\nInspect conversations, send messages, watch the live stream, or run a local backend twin.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
