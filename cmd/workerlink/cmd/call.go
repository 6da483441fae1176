package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/workerlink/pkg/client"
)

var callTimeout time.Duration

var callCmd = &cobra.Command{
	Use:   "call <identity> <module> <function> [args...]",
	Short: "Forward a synchronous call to a worker",
	Long: `Forwards a procedure call to a supervised worker and prints its
result. Arguments are parsed as JSON values; anything that does not
parse is passed as a string.

Example:
  workerlink call calc math add 2 3`,
	Args: cobra.MinimumNArgs(3),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "per-call timeout (0 uses the transport default)")
}

func runCall(cmd *cobra.Command, args []string) error {
	identity, module, function := args[0], args[1], args[2]

	callArgs := make([]interface{}, 0, len(args)-3)
	for _, raw := range args[3:] {
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		callArgs = append(callArgs, v)
	}

	c := client.New(serverURL)
	result, err := c.Call(context.Background(), identity, module, function, callArgs, callTimeout)
	if err != nil {
		return fmt.Errorf("call failed: %w", err)
	}

	fmt.Println(string(result))
	return nil
}
