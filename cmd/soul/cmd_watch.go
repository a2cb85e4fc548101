package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"soulkeeper/internal/config"
	"soulkeeper/internal/scheduler"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// watchCmd runs the background loop: periodic expiry sweeps plus config
// hot-reload. Reflection runs are driven by whatever service embeds the
// engine with a draft producer; the CLI loop only keeps the state machine's
// clock-driven transitions moving.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the background expiry sweep loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		cfgPath := configPath
		if cfgPath == "" {
			cfgPath = filepath.Join(workspace, ".soul", "config.yaml")
		}
		watcher, err := config.NewWatcher(cfgPath, eng.cfg, func(cfg *config.Config) {
			logger.Info("configuration reloaded", zap.String("path", cfgPath))
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()

		sched := scheduler.New(eng.manager, nil, eng.cfg.GetSweepInterval(), eng.cfg.GetReflectionInterval())
		sched.Start(ctx)
		defer sched.Stop()

		logger.Info("watch loop running",
			zap.Duration("sweep_interval", eng.cfg.GetSweepInterval()))
		fmt.Println("soulkeeper watch loop running; Ctrl-C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		fmt.Println("shutting down")
		return nil
	},
}
