package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/finbrief/finbrief/config"
	"github.com/finbrief/finbrief/internal/jobs"
	"github.com/finbrief/finbrief/internal/orchestrator"
	"github.com/finbrief/finbrief/internal/persist"
	"github.com/finbrief/finbrief/internal/planner"
	"github.com/finbrief/finbrief/internal/server"
	"github.com/finbrief/finbrief/internal/skill"
	"github.com/finbrief/finbrief/internal/telemetry"
	"github.com/finbrief/finbrief/provider"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var addr string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the research pipeline HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			if v := os.Getenv("FINBRIEF_HTTP_ADDR"); cfg.Server.Address == "" && v != "" {
				cfg.Server.Address = v
			}

			ctx := context.Background()

			llm, err := provider.New(cfg.LLM)
			if err != nil {
				return err
			}
			store, err := persist.New(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()

			tele := telemetry.New(cfg.Telemetry)
			registry := skill.NewRegistry(cfg, llm, nil)
			plans := planner.NewGenerator(cfg, llm, registry)
			orch := orchestrator.New(cfg, registry, plans, tele)
			manager := jobs.NewManager(cfg, orch, store, tele)
			srv := server.New(cfg, manager, store, tele)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				log.Printf("received %s, shutting down", sig)
			}

			timeout := cfg.Server.ShutdownTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	serve.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return serve
}
