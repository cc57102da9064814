package main

import (
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phantomhost/phantomctl/internal/observability"
	"github.com/phantomhost/phantomctl/internal/relay"
)

var rootCmd = &cobra.Command{
	Use:   "relayctl [command]",
	Short: "relayctl: ingress rendezvous relay",
	Long:  `relayctl hosts the rendezvous relay that matches inbound scope traffic with registered nodes.`,
}

var serveConfigPath string

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := relay.DefaultServerConfig()
		if serveConfigPath != "" {
			loaded, err := loadServerConfig(serveConfigPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}

		observability.InitLogger(cfg.RelayID)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return relay.Appear(cfg).Run(ctx)
	},
}

func init() {
	cmdServe.Flags().StringVar(&serveConfigPath, "config", "", "Path to relay TOML config")
	rootCmd.AddCommand(cmdServe)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
