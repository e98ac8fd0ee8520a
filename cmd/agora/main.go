package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/avandra/agora/internal/actions"
	"github.com/avandra/agora/internal/bus"
	"github.com/avandra/agora/internal/cleanup"
	"github.com/avandra/agora/internal/engine"
	"github.com/avandra/agora/internal/logging"
	"github.com/avandra/agora/internal/registry"
	"github.com/avandra/agora/internal/store"
	"github.com/avandra/agora/internal/validation"
	"github.com/avandra/agora/pkg/schema"
)

const (
	exitOK         = 0
	exitFatal      = 1
	exitValidation = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var agErr *schema.AgoraError
		if errors.As(err, &agErr) && agErr.Code == schema.ErrCodeValidation {
			return exitValidation
		}
		return exitFatal
	}
	return exitOK
}

// app bundles the wired components behind the CLI commands.
type app struct {
	cfg       Config
	store     *store.LibSQLStore
	events    *store.EventLog
	validator *validation.MessageValidator
	bus       *bus.Bus
	executor  *engine.Executor
	cleanup   *cleanup.Service
	logger    *slog.Logger
}

// newApp opens the store and wires every component.
func newApp(cfg Config) (*app, error) {
	logger := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(cmdContext()); err != nil {
		_ = s.Close()
		return nil, err
	}

	reg, err := registry.New()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	validator := validation.NewMessageValidator(reg)
	b := bus.New(s, validator, logger)

	actionReg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(actionReg, actions.HTTPConfig{}); err != nil {
		_ = s.Close()
		return nil, err
	}

	executor := engine.NewExecutor(s, store.NewEventLog(s), actionReg, logger,
		engine.WithWorkers(cfg.Workers),
		engine.WithPublisher(b),
	)

	return &app{
		cfg:       cfg,
		store:     s,
		events:    store.NewEventLog(s),
		validator: validator,
		bus:       b,
		executor:  executor,
		cleanup:   cleanup.NewService(s, logger),
		logger:    logger,
	}, nil
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agora",
		Short:         "Agent message protocol and workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newSendCmd(),
		newReadCmd(),
		newValidateCmd(),
		newCleanupCmd(),
		newRunCmd(),
		newStatusCmd(),
		newServeCmd(),
	)
	return root
}
