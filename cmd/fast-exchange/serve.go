package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/searchktools/fast-exchange/app"
)

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("host", "", "listen host")
	f.IntP("port", "p", 8080, "listen port")
	f.StringP("transport", "t", "engine", "engine, fasthttp or h2c")
	f.String("compression", "auto", "reply codec: auto, none, zlib, gzip or bzip2")
	f.String("log-level", "info", "debug, info, warn or error")
	f.Bool("no-metrics", false, "disable the metrics listener")
}

// serveFlags maps serve flags to config keys.
var serveFlags = map[string]string{
	"host":        "server.host",
	"port":        "server.port",
	"transport":   "server.transport",
	"compression": "request.compression",
	"log-level":   "logging.level",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo routes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		overrides := make(map[string]string)
		for flag, key := range serveFlags {
			if cmd.Flags().Changed(flag) {
				overrides[key] = cmd.Flags().Lookup(flag).Value.String()
			}
		}
		if off, _ := cmd.Flags().GetBool("no-metrics"); off {
			overrides["metrics.enabled"] = strconv.FormatBool(false)
		}

		cfg, err := loadConfig(cmd, overrides)
		if err != nil {
			return err
		}
		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		a.RegisterRoutes()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}
