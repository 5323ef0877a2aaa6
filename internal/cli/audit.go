package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tansive/receipts/internal/receiptsrv/auditlog"
)

func newAuditCmd() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit [command]",
		Short: "Audit log commands",
		Long: `Commands for the service's audit log.

Available Commands:
  verify    Verify the integrity of an audit log file`,
	}
	auditCmd.AddCommand(&cobra.Command{
		Use:   "verify LOG_FILE",
		Short: "Verify the hash chain of an audit log file",
		Long: `Verify the hash chain of an audit log file. Every entry must extend the previous
one and carry the next sequence number; any edited, removed or reordered entry is
reported.

Examples:
  receiptctl audit verify /var/lib/receipts/audit.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logFile := args[0]
			file, err := os.Open(logFile)
			if err != nil {
				return fmt.Errorf("failed to open log file: %v", err)
			}
			defer file.Close()

			entries, err := auditlog.VerifyChain(file)
			if err != nil {
				if jsonOutput {
					printJSON(cmd.OutOrStdout(), map[string]any{
						"result": 0,
						"error":  err.Error(),
					})
					return ErrAlreadyHandled
				}
				return fmt.Errorf("log verification failed: %v", err)
			}

			if jsonOutput {
				printJSON(cmd.OutOrStdout(), map[string]any{
					"result": 1,
					"value": map[string]any{
						"status":  "success",
						"file":    logFile,
						"entries": entries,
					},
				})
			} else {
				okLabel.Fprintf(cmd.OutOrStdout(), "Log verification successful: %d entries\n", entries)
			}
			return nil
		},
	})
	return auditCmd
}
