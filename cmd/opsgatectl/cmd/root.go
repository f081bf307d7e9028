package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"git.cscs.ch/openchami/chamicore-opsgate/pkg/client"
)

// version is injected at build time.
var version = "dev"

var (
	gatewayURL     string
	gatewayToken   string
	requestTimeout time.Duration
	jsonOut        bool
)

var rootCmd = &cobra.Command{
	Use:   "opsgatectl",
	Short: "Operator CLI for the chamicore-opsgate gateway",
	Long: `opsgatectl drives a chamicore-opsgate gateway from the command line.

It opens a protocol session for catalog and tool operations, and talks to
the plain HTTP surface for identity probes and audit listings.`,
	Version:      version,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", envOr("CHAMICORE_OPSGATE_URL", "http://localhost:27790"), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&gatewayToken, "token", os.Getenv("CHAMICORE_OPSGATE_TOKEN"), "gateway bearer token")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "per-request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "JSON output")
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func newClient() (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:       gatewayURL,
		Token:         gatewayToken,
		ClientName:    "opsgatectl",
		ClientVersion: version,
		Timeout:       requestTimeout,
	})
}

// openSession initializes a protocol session and hands back a cleanup that
// tears it down again.
func openSession(ctx context.Context) (*client.Client, func(), error) {
	c, err := newClient()
	if err != nil {
		return nil, nil, err
	}
	if _, err := c.Initialize(ctx); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(closeCtx)
	}
	return c, cleanup, nil
}
