// Command fast-exchange serves the demo routes or fetches a URL through the
// outbound connection handle.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/searchktools/fast-exchange/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "fast-exchange",
	Short: "HTTP request/response exchange server and client",
	Long: `fast-exchange runs the request core behind one of three transports
(the epoll engine, fasthttp or h2c) and fetches URLs through the fasthttp
connection handle.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "dotenv files to load (default .env when present)")
	rootCmd.PersistentFlags().StringToString("set", nil, "override config keys, e.g. --set server.port=9000")
}

// loadConfig applies the persistent flags plus the command's own
// overrides, which win.
func loadConfig(cmd *cobra.Command, overrides map[string]string) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	set, _ := cmd.Flags().GetStringToString("set")

	merged := make(map[string]string, len(set)+len(overrides))
	for k, v := range set {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return config.Load(config.LoadOptions{File: file, EnvFiles: envFiles, Overrides: merged})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
