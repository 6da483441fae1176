package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the resolved configuration as YAML: the registered service
list and the per-worker launch entries the daemon would use.`,
	RunE: runConfigShow,
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an example configuration file",
	RunE:  runConfigExample,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configExampleCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	settings := map[string]interface{}{
		"server_url": viper.GetString("server_url"),
		"services":   viper.GetStringSlice("services"),
		"workers":    viper.Get("workers"),
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func runConfigExample(cmd *cobra.Command, args []string) error {
	example := map[string]interface{}{
		"server_url": "http://localhost:7070",
		"services":   []string{"calc"},
		"workers": map[string]interface{}{
			"calc": map[string]interface{}{
				"executable":  "/usr/local/bin/mathworker",
				"working_dir": "/var/lib/calc",
				"port":        9301,
				"env": map[string]string{
					"CALC_MODE": "fast",
				},
			},
		},
	}
	data, err := yaml.Marshal(example)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
