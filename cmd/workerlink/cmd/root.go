package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "workerlink",
	Short: "Supervise external worker processes as RPC peers",
	Long: `workerlink launches external worker processes, establishes them as
reachable RPC peers, bridges synchronous calls to them and tears them
down when they misbehave or are no longer needed.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.workerlink/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "control-plane URL (default from config or http://localhost:7070)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".workerlink"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("workerlink")
	viper.AutomaticEnv()
	viper.BindEnv("server_url", "WORKERLINK_SERVER")

	if err := viper.ReadInConfig(); err == nil {
		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
	}
	if serverURL == "" {
		serverURL = "http://localhost:7070"
	}
}
