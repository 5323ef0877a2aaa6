package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tansive/receipts/internal/common/httpclient"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"
)

const receiptsPath = "api/v1/receipts"

func newReceiptsCmd() *cobra.Command {
	receiptsCmd := &cobra.Command{
		Use:   "receipts [command]",
		Short: "Issue, inspect and verify receipts",
		Long: `Commands for permission receipts.

Available Commands:
  issue   Issue a receipt for a decision
  get     Show a stored receipt
  verify  Verify, and optionally redeem, a receipt`,
	}
	receiptsCmd.AddCommand(newIssueCmd())
	receiptsCmd.AddCommand(&cobra.Command{
		Use:   "get RECEIPT_ID",
		Short: "Show a stored receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(GetConfig())
			response, err := client.GetResource(receiptsPath, args[0])
			if err != nil {
				return err
			}
			return printResponse(cmd, response)
		},
	})
	receiptsCmd.AddCommand(newVerifyCmd())
	return receiptsCmd
}

type issueFlags struct {
	file     string
	decision string
	scope    string
	scopeRef string
	scopeSha string
	ttlMs    int64
}

func newIssueCmd() *cobra.Command {
	f := &issueFlags{}
	cmd := &cobra.Command{
		Use:   "issue [flags]",
		Short: "Issue a receipt for a policy decision",
		Long: `Issue a receipt for a policy decision. The request is read from flags, or from a
YAML file given with -f. The file may reference environment variables as
{{ .ENV.NAME }}; a .env file in the working directory is loaded first.

Examples:
  receiptctl receipts issue --decision APPROVED --scope github:merge --scope-ref refs/pull/16/merge --scope-sha abc123
  receiptctl receipts issue -f decision.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := f.requestBody()
			if err != nil {
				return err
			}
			client := newClient(GetConfig())
			response, location, err := client.CreateResource(receiptsPath, body)
			if err != nil {
				return err
			}
			if !jsonOutput {
				okLabel.Fprintf(cmd.OutOrStdout(), "Receipt issued: %s\n", location)
			}
			return printResponse(cmd, response)
		},
	}
	cmd.Flags().StringVarP(&f.file, "filename", "f", "", "YAML file holding the issue request")
	cmd.Flags().StringVar(&f.decision, "decision", "", "Decision: APPROVED, DENIED or REQUIRES_APPROVAL")
	cmd.Flags().StringVar(&f.scope, "scope", "", "Scope the decision covers")
	cmd.Flags().StringVar(&f.scopeRef, "scope-ref", "", "Scope reference")
	cmd.Flags().StringVar(&f.scopeSha, "scope-sha", "", "Scope commit or content hash")
	cmd.Flags().Int64Var(&f.ttlMs, "ttl-ms", 0, "Receipt lifetime in milliseconds, server default when 0")
	cmd.MarkFlagsMutuallyExclusive("filename", "decision")
	return cmd
}

// requestBody builds the JSON issue request from the file or the flags.
func (f *issueFlags) requestBody() ([]byte, error) {
	if f.file != "" {
		return loadRequestFile(f.file)
	}
	if f.decision == "" || f.scope == "" || f.scopeRef == "" || f.scopeSha == "" {
		return nil, errors.New("--decision, --scope, --scope-ref and --scope-sha are required without -f")
	}
	body := []byte(`{}`)
	var err error
	for _, kv := range []struct {
		path  string
		value any
	}{
		{"decision", strings.ToUpper(f.decision)},
		{"scope", f.scope},
		{"scopeRef", f.scopeRef},
		{"scopeSha", f.scopeSha},
	} {
		if body, err = sjson.SetBytes(body, kv.path, kv.value); err != nil {
			return nil, err
		}
	}
	if f.ttlMs > 0 {
		if body, err = sjson.SetBytes(body, "ttlMs", f.ttlMs); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// loadRequestFile reads a YAML request, expands environment references and converts
// it to JSON.
func loadRequestFile(filename string) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %v", err)
	}
	data = replaceTabsWithSpaces(data)
	data, err = PreprocessYAML(data)
	if err != nil {
		return nil, err
	}
	var yamlData map[string]any
	if err := yaml.Unmarshal(data, &yamlData); err != nil {
		return nil, fmt.Errorf("unable to parse YAML: %v", err)
	}
	jsonData, err := json.Marshal(yamlData)
	if err != nil {
		return nil, fmt.Errorf("unable to convert to JSON: %v", err)
	}
	return jsonData, nil
}

type verifyFlags struct {
	scope    string
	scopeRef string
	scopeSha string
	redeem   bool
}

func newVerifyCmd() *cobra.Command {
	f := &verifyFlags{}
	cmd := &cobra.Command{
		Use:   "verify RECEIPT_ID [flags]",
		Short: "Verify a receipt against a scope",
		Long: `Verify a receipt against a scope. With --redeem a valid receipt is consumed and
any later verification reports it as redeemed. The command exits non-zero when the
receipt is not valid.

Examples:
  receiptctl receipts verify rcpt_... --scope github:merge --scope-ref refs/pull/16/merge --scope-sha abc123 --redeem`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.scope, "scope", "", "Scope to check")
	cmd.Flags().StringVar(&f.scopeRef, "scope-ref", "", "Scope reference to check")
	cmd.Flags().StringVar(&f.scopeSha, "scope-sha", "", "Scope hash to check")
	cmd.Flags().BoolVar(&f.redeem, "redeem", false, "Redeem the receipt when it is valid")
	cmd.MarkFlagRequired("scope")
	cmd.MarkFlagRequired("scope-ref")
	cmd.MarkFlagRequired("scope-sha")
	return cmd
}

func runVerify(cmd *cobra.Command, receiptID string, f *verifyFlags) error {
	body, err := json.Marshal(map[string]any{
		"receiptId": receiptID,
		"scope":     f.scope,
		"scopeRef":  f.scopeRef,
		"scopeSha":  f.scopeSha,
		"redeem":    f.redeem,
	})
	if err != nil {
		return err
	}

	client := newClient(GetConfig())
	response, _, err := client.CreateResource(receiptsPath+"/verify", body)
	if err != nil {
		// rejected receipts come back as 4xx with a verification result
		var httpErr *httpclient.HTTPError
		if !errors.As(err, &httpErr) || !gjson.GetBytes(httpErr.Body, "valid").Exists() {
			return err
		}
		response = httpErr.Body
	}

	valid := gjson.GetBytes(response, "valid").Bool()
	code := gjson.GetBytes(response, "code").String()
	if jsonOutput {
		var value any
		if err := json.Unmarshal(response, &value); err != nil {
			return fmt.Errorf("failed to parse response: %v", err)
		}
		result := 1
		if !valid {
			result = 0
		}
		printJSON(cmd.OutOrStdout(), map[string]any{"result": result, "value": value})
	} else if valid {
		msg := "Receipt is valid"
		if f.redeem {
			msg = "Receipt is valid and has been redeemed"
		}
		okLabel.Fprintln(cmd.OutOrStdout(), msg)
		if receipt := gjson.GetBytes(response, "receipt"); receipt.Exists() {
			if err := printResponse(cmd, []byte(receipt.Raw)); err != nil {
				return err
			}
		}
	} else {
		errorLabel.Fprintf(cmd.OutOrStdout(), "Receipt is not valid: %s\n", code)
	}
	if !valid {
		return ErrAlreadyHandled
	}
	return nil
}
