// Command cmo-elg runs the orchestration engine worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/verity-qa/cmo-elg/app"
	"github.com/verity-qa/cmo-elg/config"
	"github.com/verity-qa/cmo-elg/elg/schema"
	"github.com/verity-qa/cmo-elg/graphs"
)

func main() {
	var (
		configPath   string
		drainTimeout time.Duration
	)

	root := &cobra.Command{
		Use:           "cmo-elg",
		Short:         "Deterministic graph orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (environment overrides apply)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine worker: consume invocation requests and execute graphs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			for _, g := range graphs.Builtin() {
				if err := a.Register(g); err != nil {
					return err
				}
			}
			if err := a.Start(ctx); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			a.Logger().Info("shutdown signal received")

			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			return a.Stop(drainCtx)
		},
	}
	serve.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "how long in-flight runs get to finish on shutdown")

	health := &cobra.Command{
		Use:   "health",
		Short: "Probe the configured backends and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			store, err := app.NewStore(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			h, err := store.HealthCheck(ctx)
			if err != nil {
				return fmt.Errorf("checkpoint store: %w", err)
			}
			fmt.Printf("checkpoint store: %s (%s)\n", h.Status, h.Latency)

			validator, err := schema.NewValidator(cfg.Runtime.MaxPayloadBytes)
			if err != nil {
				return err
			}
			tr, err := app.NewTransport(ctx, cfg.Transport, validator)
			if err != nil {
				return err
			}
			defer tr.Close()
			if err := tr.Health(ctx); err != nil {
				return fmt.Errorf("transport: %w", err)
			}
			fmt.Println("transport: ok")

			blobs, err := app.NewBlobStore(ctx, cfg.BlobStore)
			if err != nil {
				return err
			}
			defer blobs.Close()
			if err := blobs.Health(ctx); err != nil {
				return fmt.Errorf("blob store: %w", err)
			}
			fmt.Println("blob store: ok")
			return nil
		},
	}

	root.AddCommand(serve, health)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cmo-elg:", err)
		os.Exit(1)
	}
}
