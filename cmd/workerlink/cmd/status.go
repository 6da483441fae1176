package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/workerlink/pkg/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List supervised workers and their phases",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := client.New(serverURL)
	resp, err := c.ListWorkers(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}

	if outputFormat == "json" {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("IDENTITY", "PHASE", "NODE", "REASON")
	for _, w := range resp.Workers {
		table.Append(w.Identity, w.Phase, w.Node, w.Reason)
	}
	table.Render()

	fmt.Printf("\n%d worker(s)\n", resp.Count)
	return nil
}
