package cli

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/tansive/receipts/internal/receiptsrv/auth"
	srvconfig "github.com/tansive/receipts/internal/receiptsrv/config"
)

func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token [command]",
		Short: "Admin token commands",
	}

	var subject, issuer string
	var ttl time.Duration
	var save bool
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an admin token",
		Long: `Create an admin token signed with the service's admin secret. The secret is read
from ` + srvconfig.EnvAdminTokenSecret + `.

Examples:
  ` + srvconfig.EnvAdminTokenSecret + `=... receiptctl token create --subject ops@example.com --ttl 1h --save`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv(srvconfig.EnvAdminTokenSecret)
			if secret == "" {
				return errors.New(srvconfig.EnvAdminTokenSecret + " is not set")
			}
			now := time.Now()
			token, err := auth.CreateAdminToken([]byte(secret), issuer, subject, ttl, now)
			if err != nil {
				return err
			}
			if save {
				if err := saveToken(token); err != nil {
					return err
				}
			}
			if jsonOutput {
				printJSON(cmd.OutOrStdout(), map[string]any{
					"result": 1,
					"value": map[string]string{
						"token":     token,
						"expiresAt": now.Add(ttl).UTC().Format(time.RFC3339),
					},
				})
				return nil
			}
			cmd.Println(token)
			return nil
		},
	}
	createCmd.Flags().StringVar(&subject, "subject", "", "Subject the token is issued to")
	createCmd.Flags().StringVar(&issuer, "issuer", "receiptsrv", "Issuer expected by the server")
	createCmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	createCmd.Flags().BoolVar(&save, "save", false, "Store the token in the CLI config file")
	createCmd.MarkFlagRequired("subject")

	tokenCmd.AddCommand(createCmd)
	return tokenCmd
}

func saveToken(token string) error {
	if err := LoadConfig(configFile); err != nil {
		return err
	}
	cfg := GetConfig()
	cfg.AdminToken = token
	cfg.TokenExpiry = tokenExpiry(token)
	return cfg.WriteConfig(configFile)
}

// tokenExpiry reads the exp claim without checking the signature. It returns an
// empty string when the token has none.
func tokenExpiry(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return ""
	}
	return exp.UTC().Format(time.RFC3339)
}
