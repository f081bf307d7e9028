package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"git.cscs.ch/openchami/chamicore-opsgate/internal/server"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage derived gateway credentials",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint an expiring token derived from the gateway secret",
	Args:  cobra.NoArgs,
	RunE:  runTokenMint,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenMintCmd)
	tokenMintCmd.Flags().StringVar(&tokenSubject, "subject", "", "subject claim recorded in audit entries")
	tokenMintCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}

func runTokenMint(cmd *cobra.Command, args []string) error {
	if gatewayToken == "" {
		return fmt.Errorf("a gateway token is required; set --token or CHAMICORE_OPSGATE_TOKEN")
	}

	minted, err := server.NewTokenAuthenticator(gatewayToken).MintDerivedToken(tokenSubject, tokenTTL)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]string{"token": minted})
	}
	fmt.Println(minted)
	return nil
}
