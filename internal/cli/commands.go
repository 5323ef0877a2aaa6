// Package cli implements receiptctl, the command line client of the receipt service.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tansive/receipts/internal/common/httpclient"
)

var (
	// Global flags
	jsonOutput bool
	configFile string
)

var ErrAlreadyHandled = errors.New("already handled")

var okLabel = color.New(color.FgGreen)
var errorLabel = color.New(color.FgRed)

// newClient returns the client used to reach the server. Tests replace it with an
// in-process client.
var newClient = func(cfg *Config) httpclient.HTTPClientInterface {
	return httpclient.NewClient(cfg)
}

// localCommands run without a config file.
var localCommands = map[string]bool{
	"config":   true,
	"version":  true,
	"generate": true,
	"token":    true,
	"audit":    true,
	"help":     true,
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "receiptctl [command] [flags]",
		Short: "receiptctl - command line client for the permission receipt service",
		Long: `receiptctl issues, inspects and verifies permission receipts and manages
the signing keys of a receipt service.

Examples:
  # Point the CLI at a server and store an admin token
  receiptctl config --server receipts.internal:8194 --token $ADMIN_TOKEN

  # Issue a receipt for an approved decision
  receiptctl receipts issue --decision APPROVED --scope github:merge --scope-ref refs/pull/16/merge --scope-sha abc123

  # Verify and redeem a receipt
  receiptctl receipts verify rcpt_... --scope github:merge --scope-ref refs/pull/16/merge --scope-sha abc123 --redeem

  # Rotate the signing key
  receiptctl keys rotate`,
		PersistentPreRunE: preRunHandlePersistents,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
		SilenceErrors: true, // Prevent Cobra from printing the error
		SilenceUsage:  true, // Prevent Cobra from printing usage on error
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "", "", "Path to configuration file to override default")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newReceiptsCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newAuditCmd())
	return rootCmd
}

// Execute runs the CLI. This is called by main.main().
func Execute() {
	rootCmd := newRootCmd()
	err := rootCmd.Execute()
	if err != nil {
		if errors.Is(err, ErrAlreadyHandled) {
			os.Exit(1)
		}
		if jsonOutput {
			printJSON(os.Stdout, map[string]any{
				"result": 0,
				"error":  err.Error(),
			})
		} else {
			errorLabel.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// preRunHandlePersistents loads the configuration for commands that talk to a server.
func preRunHandlePersistents(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		var err error
		configFile, err = GetDefaultConfigPath()
		if err != nil {
			return err
		}
	}

	for c := cmd; c != nil; c = c.Parent() {
		if localCommands[c.Name()] {
			return nil
		}
	}

	if err := LoadConfig(configFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found. Configure the CLI with \"receiptctl config --server <host:port>\" first")
		}
		return err
	}
	return nil
}

// newVersionCmd creates and returns a new version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of receiptctl",
		Run: func(cmd *cobra.Command, args []string) {
			configPath, err := GetDefaultConfigPath()
			if err != nil {
				configPath = "unknown"
			}
			if configFile != "" {
				configPath = configFile
			}

			if jsonOutput {
				printJSON(cmd.OutOrStdout(), map[string]string{
					"version":     getCLIVersion(),
					"config_file": configPath,
				})
			} else {
				cmd.Printf("receiptctl %s\n", getCLIVersion())
				cmd.Printf("Config file: %s\n", configPath)
			}
		},
	}
}

// printJSON prints data as indented JSON
func printJSON(w io.Writer, data any) {
	jsonData, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(w, string(jsonData))
}

// getCLIVersion returns the current CLI version
func getCLIVersion() string {
	return "v0.1.0"
}
