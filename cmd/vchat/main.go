package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/glog"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.vchat/config.toml.
type Config struct {
	Default     ConfigDefault     `toml:"default"`
	Collections ConfigCollections `toml:"collections"`
}

// ConfigDefault holds the server settings.
type ConfigDefault struct {
	BaseURL      string `toml:"base_url"`
	Project      string `toml:"project"`
	DatabaseID   string `toml:"database_id"`
	GlobalChatID string `toml:"global_chat_id"`
	TimeoutSec   int    `toml:"timeout_sec"`
}

// ConfigCollections overrides collection ids. Empty fields use the engine defaults.
type ConfigCollections struct {
	Users         string `toml:"users"`
	Chats         string `toml:"chats"`
	ChatMessages  string `toml:"chat_messages"`
	Groups        string `toml:"groups"`
	GroupMessages string `toml:"group_messages"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.vchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".vchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// sessionPath is where the signed-in account is cached between runs.
func sessionPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
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
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "project":
			cfg.Default.Project = value
		case "database_id":
			cfg.Default.DatabaseID = value
		case "global_chat_id":
			cfg.Default.GlobalChatID = value
		case "timeout_sec":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("timeout_sec must be a non-negative integer")
			}
			cfg.Default.TimeoutSec = n
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "collections":
		switch field {
		case "users":
			cfg.Collections.Users = value
		case "chats":
			cfg.Collections.Chats = value
		case "chat_messages":
			cfg.Collections.ChatMessages = value
		case "groups":
			cfg.Collections.Groups = value
		case "group_messages":
			cfg.Collections.GroupMessages = value
		default:
			return fmt.Errorf("unknown field %q in section [collections]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, collections)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "vchat",
	Short: "vchat command-line client",
	Long:  "Command-line client for vchat.\nSign in, browse conversations and edit or delete messages.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog flags are bound through pflag; mark the go flag set parsed
		_ = flag.CommandLine.Parse(nil)
	},
}

func init() {
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

func main() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
