// soul is the operator CLI for soulkeeper: inspect pending proposals, resolve
// them, browse and roll back configuration history, and run the background
// sweep/reflection loop.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"soulkeeper/internal/calibration"
	"soulkeeper/internal/config"
	"soulkeeper/internal/lifecycle"
	"soulkeeper/internal/logging"
	"soulkeeper/internal/notify"
	"soulkeeper/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "soul",
	Short: "soulkeeper - human-gated self-evolution for agent configurations",
	Long: `soulkeeper manages the lifecycle of agent configuration proposals.

An agent's "soul" (behavioral rules, FAQ knowledge, style descriptors) is a
versioned configuration. The agent may propose changes to it, but nothing
takes effect without explicit human approval, every applied change is
snapshotted, and any version can be restored.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// engine bundles the wired components behind one open call.
type engine struct {
	cfg        *config.Config
	store      *store.SoulStore
	tracker    *calibration.Tracker
	manager    *lifecycle.Manager
	dispatcher *notify.Dispatcher
}

func openEngine() (*engine, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(workspace, ".soul", "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Storage.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(workspace, dbPath)
	}
	st, err := store.NewSoulStore(dbPath)
	if err != nil {
		return nil, err
	}

	tracker := calibration.NewTracker(st, cfg)
	manager := lifecycle.NewManager(st, tracker, cfg)

	var adapters []notify.ChannelAdapter
	for name, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		switch ch.Kind {
		case "webhook":
			adapters = append(adapters, notify.NewWebhookAdapter(name, ch.BaseURL))
		default:
			adapters = append(adapters, notify.NewLogAdapter(name))
		}
	}
	dispatcher := notify.NewDispatcher(adapters, st, manager, cfg)

	return &engine{
		cfg:        cfg,
		store:      st,
		tracker:    tracker,
		manager:    manager,
		dispatcher: dispatcher,
	}, nil
}

func (e *engine) close() {
	if err := e.store.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default <workspace>/.soul/config.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(calibrationCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(inboundCmd)
	rootCmd.AddCommand(watchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
