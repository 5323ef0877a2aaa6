package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"sigs.k8s.io/yaml"
)

// printResponse prints a JSON response body wrapped as {"result":1,"value":...} in
// JSON mode, or as YAML otherwise.
func printResponse(cmd *cobra.Command, response []byte) error {
	var responseData any
	if err := json.Unmarshal(response, &responseData); err != nil {
		return fmt.Errorf("failed to parse response: %v", err)
	}
	return printValue(cmd, responseData)
}

func printValue(cmd *cobra.Command, value any) error {
	if jsonOutput {
		printJSON(cmd.OutOrStdout(), map[string]any{
			"result": 1,
			"value":  value,
		})
		return nil
	}
	yamlBytes, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to convert to YAML: %v", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(yamlBytes))
	return nil
}

// printHeading prints a title-cased section heading in human-readable mode.
func printHeading(cmd *cobra.Command, heading string) {
	if jsonOutput {
		return
	}
	title := cases.Title(language.English).String(strings.ReplaceAll(heading, "-", " "))
	fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", title)
}
