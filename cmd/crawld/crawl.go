package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/newscrawl/internal/config"
	"github.com/jonesrussell/newscrawl/internal/logger"
	"github.com/jonesrussell/newscrawl/internal/orchestrator"
	"github.com/jonesrussell/newscrawl/internal/store"
)

const signalChannelBufferSize = 1

// crawlCommand returns the crawl subcommand: build one Orchestrator per run
// (or per --schedule tick) against a store shared across runs.
func crawlCommand() *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run the crawl pipeline against the configured start URLs",
		Long: `crawl normalizes, schedules, and fetches the configured start URLs
(and any sitemap URLs declared by their robots.txt) to completion.

With --schedule set to a five-field cron expression, the crawl instead
repeats on that schedule until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := buildStore(cfg)
			if err != nil {
				return fmt.Errorf("build store: %w", err)
			}

			if schedule != "" {
				return runScheduled(cmd.Context(), cfg, st, log, schedule)
			}
			return runOnce(cmd.Context(), cfg, st, log)
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "",
		"cron expression (minute hour dom month dow) to repeat the crawl on, instead of running once")

	return cmd
}

// runOnce builds a single Orchestrator and runs it until completion or an
// interrupt signal, whichever comes first.
func runOnce(ctx context.Context, cfg *config.Config, st store.Store, log logger.Logger) error {
	ctx, stop := withInterrupt(ctx, log)
	defer stop()

	orch, err := orchestrator.New(cfg, st, log)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	return orch.Run(ctx)
}

// runScheduled runs the crawl once per schedule tick against the shared
// store, following the robfig/cron conventions used elsewhere for
// recurring jobs: a minute/hour/dom/month/dow parser with panic recovery
// wrapped around each tick.
func runScheduled(ctx context.Context, cfg *config.Config, st store.Store, log logger.Logger, schedule string) error {
	ctx, stop := withInterrupt(ctx, log)
	defer stop()

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	_, err := c.AddFunc(schedule, func() {
		orch, err := orchestrator.New(cfg, st, log)
		if err != nil {
			log.Error("build orchestrator for scheduled run failed", logger.Err(err))
			return
		}
		if err := orch.Run(ctx); err != nil {
			log.Error("scheduled crawl run failed", logger.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	log.Info("crawl scheduled", logger.String("schedule", schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// withInterrupt returns a context canceled on SIGINT/SIGTERM, logging the
// signal once before canceling.
func withInterrupt(parent context.Context, log logger.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, signalChannelBufferSize)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", logger.String("signal", sig.String()))
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		close(done)
		signal.Stop(sigCh)
		cancel()
	}
}
