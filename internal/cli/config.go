package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the default name of the config file
const DefaultConfigFile = "config.yaml"

// Config represents the configuration of receiptctl
type Config struct {
	// Version of the configuration file format
	Version string `yaml:"version"`
	// ServerURL is the URL and port of the receipt service
	ServerURL string `yaml:"server_url"`
	// AdminToken is the bearer token used for admin routes
	AdminToken string `yaml:"admin_token,omitempty"`
	// TokenExpiry is when the admin token expires, RFC 3339
	TokenExpiry string `yaml:"token_expiry,omitempty"`
	// InsecureSkipVerify disables TLS certificate validation
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`
}

var config *Config

// GetDefaultConfigPath returns the default path for the config file
// It uses the OS-specific config directory (e.g., ~/.config/receipts on Linux)
func GetDefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(configDir, "receipts", DefaultConfigFile), nil
}

// LoadConfig loads the configuration from the specified file
func LoadConfig(file string) error {
	if file == "" {
		var err error
		file, err = GetDefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to get default config path: %w", err)
		}
	}

	yamlStr, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("unable to read config file: %w", err)
	}

	var c Config
	if err = yaml.Unmarshal(yamlStr, &c); err != nil {
		return fmt.Errorf("unable to parse config file: %w", err)
	}
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	c.ServerURL = MorphServer(c.ServerURL)

	config = &c
	return nil
}

// GetConfig returns the current configuration
func GetConfig() *Config {
	return config
}

// WriteConfig writes the configuration to file
func (cfg *Config) WriteConfig(file string) error {
	if file == "" {
		return errors.New("file path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return fmt.Errorf("unable to create config directory: %w", err)
	}

	yamlStr, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("unable to generate configuration: %w", err)
	}

	if err := os.WriteFile(file, yamlStr, os.FileMode(0600)); err != nil {
		return fmt.Errorf("unable to write config file: %w", err)
	}
	return nil
}

// MorphServer ensures the server URL is properly formatted
// Adds https:// prefix if missing and removes trailing slashes
func MorphServer(server string) string {
	if server == "" {
		return server
	}
	server = strings.TrimRight(server, "/")
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "https://" + server
	}
	return server
}

// GetServerURL returns the properly formatted server URL
func (cfg *Config) GetServerURL() string {
	return MorphServer(cfg.ServerURL)
}

// GetToken returns the admin token
func (cfg *Config) GetToken() string {
	return cfg.AdminToken
}

// GetTokenExpiry returns the admin token expiry, or the zero time when unknown
func (cfg *Config) GetTokenExpiry() time.Time {
	if cfg.TokenExpiry == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, cfg.TokenExpiry)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (cfg *Config) SkipTLSVerify() bool {
	return cfg.InsecureSkipVerify
}

func newConfigCmd() *cobra.Command {
	var server, token string
	var insecure bool

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long: `Manage CLI configuration settings like the server location and the admin token.

Examples:
  receiptctl config --server receipts.internal:8194
  receiptctl config --token $ADMIN_TOKEN`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" && token == "" && !cmd.Flags().Changed("insecure") {
				return showConfig(cmd)
			}
			return updateConfig(cmd, server, token, insecure)
		},
	}
	configCmd.Flags().StringVar(&server, "server", "", "Set the server URL and port (e.g., example.com:8194)")
	configCmd.Flags().StringVar(&token, "token", "", "Set the admin bearer token")
	configCmd.Flags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate validation")

	configCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the stored admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := LoadConfig(configFile); err != nil {
				return err
			}
			cfg := GetConfig()
			cfg.AdminToken = ""
			cfg.TokenExpiry = ""
			if err := cfg.WriteConfig(configFile); err != nil {
				return fmt.Errorf("failed to save config: %v", err)
			}
			if jsonOutput {
				printJSON(cmd.OutOrStdout(), map[string]int{"result": 1})
			} else {
				cmd.Println("Admin token cleared")
			}
			return nil
		},
	})
	return configCmd
}

func showConfig(cmd *cobra.Command) error {
	if err := LoadConfig(configFile); err != nil {
		return err
	}
	cfg := GetConfig()
	if jsonOutput {
		printJSON(cmd.OutOrStdout(), map[string]any{
			"server":      cfg.ServerURL,
			"has_token":   cfg.AdminToken != "",
			"config_file": configFile,
		})
		return nil
	}
	cmd.Printf("Server: %s\n", cfg.ServerURL)
	cmd.Printf("Admin token: %t\n", cfg.AdminToken != "")
	cmd.Printf("Config file: %s\n", configFile)
	return nil
}

// updateConfig edits the config file, creating it when needed.
func updateConfig(cmd *cobra.Command, server, token string, insecure bool) error {
	cfg := &Config{Version: "0.1.0"}
	if err := LoadConfig(configFile); err == nil {
		cfg = GetConfig()
	} else if server == "" {
		return fmt.Errorf("no configuration yet, set --server first: %w", err)
	}

	if server != "" {
		if !strings.Contains(strings.TrimPrefix(strings.TrimPrefix(server, "https://"), "http://"), ":") {
			return errors.New("server must include port number (e.g., example.com:8194)")
		}
		cfg.ServerURL = MorphServer(server)
	}
	if token != "" {
		cfg.AdminToken = token
		cfg.TokenExpiry = tokenExpiry(token)
	}
	if cmd.Flags().Changed("insecure") {
		cfg.InsecureSkipVerify = insecure
	}

	if err := cfg.WriteConfig(configFile); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if jsonOutput {
		printJSON(cmd.OutOrStdout(), map[string]string{
			"server":      cfg.ServerURL,
			"config_file": configFile,
		})
	} else {
		cmd.Printf("Server configured: %s\n", cfg.ServerURL)
		cmd.Printf("Config file: %s\n", configFile)
	}
	return nil
}
