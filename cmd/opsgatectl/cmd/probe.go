package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show gateway identity and supported protocol versions",
	Args:  cobra.NoArgs,
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	info, err := c.Probe(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(info)
	}
	fmt.Printf("%s %s\n", info.Name, info.Version)
	fmt.Printf("protocol versions: %s\n", strings.Join(info.ProtocolVersions, ", "))
	return nil
}
