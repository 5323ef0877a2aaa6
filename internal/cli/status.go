package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/tansive/receipts/internal/common/httpclient"
	"github.com/tidwall/gjson"
)

// StatusResponse combines the /version and /ready answers of the server.
type StatusResponse struct {
	ServerVersion string `json:"serverVersion"`
	ApiVersion    string `json:"apiVersion"`
	Ready         bool   `json:"ready"`
	Reason        string `json:"reason,omitempty"`
	ActiveKeyID   string `json:"activeKeyId,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server version, readiness and active key",
		Long: `Show server version, readiness and active key.

Examples:
  receiptctl status
  receiptctl status -j`,
		Args: cobra.NoArgs,
		RunE: getStatus,
	}
}

func getStatus(cmd *cobra.Command, args []string) error {
	client := newClient(GetConfig())

	response, _, err := client.DoRequest(httpclient.RequestOptions{Method: http.MethodGet, Path: "version"})
	if err != nil {
		return fmt.Errorf("unable to connect to server: %w", err)
	}
	var status StatusResponse
	if err := json.Unmarshal(response, &status); err != nil {
		return fmt.Errorf("failed to parse response: %v", err)
	}

	status.Ready = true
	if _, _, err := client.DoRequest(httpclient.RequestOptions{Method: http.MethodGet, Path: "ready"}); err != nil {
		status.Ready = false
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) {
			status.Reason = gjson.GetBytes(httpErr.Body, "error").String()
		} else {
			status.Reason = err.Error()
		}
	}
	if key, err := client.GetResource(keysPath, "current"); err == nil {
		status.ActiveKeyID = gjson.GetBytes(key, "keyId").String()
	}

	if jsonOutput {
		printJSON(cmd.OutOrStdout(), map[string]any{
			"result":      1,
			"version_cli": getCLIVersion(),
			"value":       status,
		})
		return nil
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "receiptctl %s\n", getCLIVersion())
	fmt.Fprintf(out, "Server Version: %s\n", status.ServerVersion)
	fmt.Fprintf(out, "API Version: %s\n", status.ApiVersion)
	if status.Ready {
		okLabel.Fprintln(out, "Ready: yes")
	} else {
		errorLabel.Fprintf(out, "Ready: no (%s)\n", status.Reason)
	}
	if status.ActiveKeyID != "" {
		fmt.Fprintf(out, "Active Key: %s\n", status.ActiveKeyID)
	}
	return nil
}
