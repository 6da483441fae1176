package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/workerlink/pkg/client"
)

var startCmd = &cobra.Command{
	Use:   "start <identity>",
	Short: "Launch and ready a worker",
	Long: `Starts the worker registered under an identity: launches its process,
waits until it is reachable and correctly identified, and reports the
resulting node reference. Blocks until the worker is ready or startup
fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <identity>",
	Short: "Stop a worker",
	Long: `Stops a supervised worker: graceful stop message first, then the
unconditional termination signal. Stopping a worker that was never
started is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	c := client.New(serverURL)
	info, err := c.StartWorker(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	fmt.Printf("%s is %s (node %s)\n", info.Identity, info.Phase, info.Node)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	c := client.New(serverURL)
	if err := c.StopWorker(context.Background(), args[0]); err != nil {
		return fmt.Errorf("stop failed: %w", err)
	}
	fmt.Printf("%s stopped\n", args[0])
	return nil
}
