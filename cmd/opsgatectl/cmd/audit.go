package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	auditLimit  int
	auditOffset int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recorded tool invocations, newest first",
	Args:  cobra.NoArgs,
	RunE:  runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum events to return")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "events to skip")
}

func runAudit(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	list, err := c.AuditEvents(cmd.Context(), auditLimit, auditOffset)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(list)
	}
	for _, item := range list.Items {
		event := item.Spec
		fmt.Printf("%s  %-8s %-22s %-16s %dms\n",
			event.Time.Format(time.RFC3339), event.Outcome, event.Tool, event.Subject, event.DurationMS)
	}
	fmt.Printf("%d of %d events\n", len(list.Items), list.Metadata.Total)
	return nil
}
