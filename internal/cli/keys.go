package cli

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/tansive/receipts/internal/common"
	"github.com/tansive/receipts/internal/common/httpclient"
	"github.com/tidwall/sjson"
)

const keysPath = "api/v1/keys"

type keyEntry struct {
	KeyID     string  `json:"keyId"`
	Algorithm string  `json:"algorithm"`
	PublicKey string  `json:"publicKey"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"createdAt"`
	RotatedAt *string `json:"rotatedAt,omitempty"`
	RevokedAt *string `json:"revokedAt,omitempty"`
}

func newKeysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys [command]",
		Short: "Manage signing keys",
		Long: `Commands for generating, listing, rotating and revoking receipt signing keys.

Available Commands:
  generate  Generate a key pair locally
  current   Show the active key
  get       Show a key by id
  list      List the keys of the environment
  rotate    Make a new key active
  revoke    Revoke a key`,
	}
	keysCmd.AddCommand(newKeysGenerateCmd())
	keysCmd.AddCommand(&cobra.Command{
		Use:   "current",
		Short: "Show the active signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getKey(cmd, "current")
		},
	})
	keysCmd.AddCommand(&cobra.Command{
		Use:   "get KEY_ID",
		Short: "Show a signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getKey(cmd, args[0])
		},
	})
	keysCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the signing keys of the environment",
		Args:  cobra.NoArgs,
		RunE:  listKeys,
	})
	keysCmd.AddCommand(newKeysRotateCmd())
	keysCmd.AddCommand(&cobra.Command{
		Use:   "revoke KEY_ID",
		Short: "Revoke a signing key",
		Long: `Revoke a signing key. Receipts signed with a revoked key no longer verify.
Revocation cannot be undone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(GetConfig())
			response, _, err := client.CreateResource(keysPath+"/"+args[0]+"/revoke", nil)
			if err != nil {
				return err
			}
			if !jsonOutput {
				okLabel.Fprintf(cmd.OutOrStdout(), "Key %s revoked\n", args[0])
			}
			return printResponse(cmd, response)
		},
	})
	return keysCmd
}

func newKeysGenerateCmd() *cobra.Command {
	var environment string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an Ed25519 key pair and key id locally",
		Long: `Generate an Ed25519 key pair and a key id. Nothing is sent to the server.
The private key is printed as a base64 seed suitable for PP_SIGNING_PRIVATE_KEY,
and the public key can be registered with "receiptctl keys rotate --key-id --public-key".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("failed to generate key: %v", err)
			}
			keyID, err := common.NewKeyId(environment, time.Now())
			if err != nil {
				return err
			}
			return printValue(cmd, map[string]string{
				"keyId":      keyID,
				"publicKey":  base64.StdEncoding.EncodeToString(pub),
				"privateKey": base64.StdEncoding.EncodeToString(priv.Seed()),
			})
		},
	}
	cmd.Flags().StringVarP(&environment, "environment", "e", "default", "Environment the key id is generated for")
	return cmd
}

func newKeysRotateCmd() *cobra.Command {
	var keyID, publicKey string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signing key",
		Long: `Rotate the signing key. Without flags the server generates and stores a new key pair.
With --key-id and --public-key the given public key becomes active and the private
key stays with the operator.

Examples:
  receiptctl keys rotate
  receiptctl keys rotate --key-id pp-prod-20260101-ABC123 --public-key <base64>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(`{}`)
			var err error
			if keyID != "" {
				if body, err = sjson.SetBytes(body, "keyId", keyID); err != nil {
					return err
				}
			}
			if publicKey != "" {
				if body, err = sjson.SetBytes(body, "publicKey", publicKey); err != nil {
					return err
				}
			}
			client := newClient(GetConfig())
			response, _, err := client.CreateResource(keysPath+"/rotate", body)
			if err != nil {
				return err
			}
			return printResponse(cmd, response)
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "Id of the supplied key")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "Base64 Ed25519 public key")
	cmd.MarkFlagsRequiredTogether("key-id", "public-key")
	return cmd
}

func getKey(cmd *cobra.Command, keyID string) error {
	client := newClient(GetConfig())
	response, err := client.GetResource(keysPath, keyID)
	if err != nil {
		return err
	}
	return printResponse(cmd, response)
}

func listKeys(cmd *cobra.Command, args []string) error {
	client := newClient(GetConfig())
	response, _, err := client.DoRequest(httpclient.RequestOptions{
		Method: http.MethodGet,
		Path:   keysPath,
	})
	if err != nil {
		return err
	}
	var rsp struct {
		Keys []keyEntry `json:"keys"`
	}
	if err := json.Unmarshal(response, &rsp); err != nil {
		return fmt.Errorf("failed to parse response: %v", err)
	}
	if jsonOutput {
		return printValue(cmd, rsp.Keys)
	}
	printHeading(cmd, "signing-keys")
	for _, k := range rsp.Keys {
		line := fmt.Sprintf("- %s  %-8s created %s", k.KeyID, k.Status, k.CreatedAt)
		switch k.Status {
		case "active":
			okLabel.Fprintln(cmd.OutOrStdout(), line)
		case "revoked":
			errorLabel.Fprintln(cmd.OutOrStdout(), line)
		default:
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
	}
	return nil
}
