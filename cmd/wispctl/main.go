package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phantomhost/phantomctl/internal/observability"
	"github.com/phantomhost/phantomctl/internal/sched"
	"github.com/phantomhost/phantomctl/internal/vrt"
	"github.com/phantomhost/phantomctl/internal/wisp"
)

var rootCmd = &cobra.Command{
	Use:   "wispctl [command]",
	Short: "wispctl: node-side relay agent",
	Long:  `wispctl registers a node with a relay and serves relayed scope traffic out of a local virtual runtime.`,
}

var runConfigPath string

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Register with the relay and serve until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAgentConfig(runConfigPath)
		if err != nil {
			return err
		}

		observability.InitLogger("wisp." + cfg.wisp.ScopeID)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		scheduler := sched.New()
		runtime, cleanup, err := buildRuntime(cfg, scheduler)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := runtime.Boot(ctx); err != nil {
			return err
		}
		defer runtime.Close()

		go func() { _ = scheduler.Run(ctx) }()

		cfg.wisp.Handler = wisp.RuntimeHandler(runtime)
		agent, err := wisp.NewAgent(cfg.wisp)
		if err != nil {
			return err
		}
		observability.NodeLogger(cfg.wisp.ScopeID, agent.NodeID())
		if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	cmdRun.Flags().StringVar(&runConfigPath, "config", "", "Path to wisp TOML config")
	_ = cmdRun.MarkFlagRequired("config")
	rootCmd.AddCommand(cmdRun)
}

func buildRuntime(cfg agentConfig, scheduler *sched.Scheduler) (*vrt.Runtime, func(), error) {
	vcfg := vrt.Config{
		Scope:        cfg.wisp.ScopeID,
		Scheduler:    scheduler,
		UpstreamBase: cfg.upstreamBase,
		AllowedHosts: cfg.allowedHosts,
	}
	cleanup := func() {}
	if cfg.checkpointPath != "" {
		store, err := vrt.OpenSQLiteStore(cfg.checkpointPath)
		if err != nil {
			return nil, nil, err
		}
		vcfg.Store = store
		cleanup = func() { _ = store.Close() }
	}
	runtime, err := vrt.New(vcfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return runtime, cleanup, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
