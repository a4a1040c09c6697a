package cli

import (
	"fmt"

	"github.com/harun/avatarcore/pkg/gateway"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <identity>",
	Short: "Mint a connection token for an identity",
	Long: `Print the credential a client must pass as ?token= when connecting as
<identity>. It is the hex HMAC-SHA256 of the identity under server.shared_secret.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.SharedSecret == "" {
		return fmt.Errorf("server.shared_secret is not set; connections are not authenticated")
	}
	fmt.Fprintln(cmd.OutOrStdout(), gateway.MintToken(cfg.Server.SharedSecret, args[0]))
	return nil
}
