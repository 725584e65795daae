package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/agents"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/apicall"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/engine"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/interp"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/logging"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/scheduler"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/validation"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine",
	Long: `Opens the database, registers workflow definitions from the definitions
directory, and runs the trigger scheduler and timer sweeps until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg.LogLevel)

	s, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("store ready", slog.String("db_path", cfg.DBPath))

	registry := agents.NewRegistry()
	validator, err := validation.NewWorkflowValidator(nil, storeDefinitions{s})
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	eng := engine.New(
		s,
		store.NewEventLog(s),
		registry,
		apicall.NewCaller(apicall.Config{}, interp.NewRenderer()),
		validator,
		logNotifier{logger},
		engine.Config{PoolSize: cfg.PoolSize},
		logger,
	)
	defer eng.Shutdown()

	if cfg.DefinitionsDir != "" {
		if err := registerDefinitions(ctx, eng, cfg.DefinitionsDir, logger); err != nil {
			return err
		}
	}

	sched := scheduler.New(s, eng, scheduler.Config{
		TriggerInterval: cfg.TriggerInterval,
		SweepInterval:   cfg.SweepInterval,
	}, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	logger.Info("orchestrator running", slog.String("version", version))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}
	return nil
}

// registerDefinitions loads every definition file in dir and registers it,
// reporting validation failures with their file of origin.
func registerDefinitions(ctx context.Context, eng *engine.Engine, dir string, logger *slog.Logger) error {
	defs, err := schema.LoadDefinitionDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		rec := &store.DefinitionRecord{Definition: *def, Source: dir}
		result, err := eng.RegisterDefinition(ctx, rec)
		if err != nil {
			if result == nil {
				result = &schema.ValidationResult{}
			}
			for _, issue := range result.Errors {
				logger.Error("definition invalid",
					slog.String("definition", def.Name),
					slog.String("path", issue.Path),
					slog.String("message", issue.Message),
				)
			}
			return fmt.Errorf("register definition %q: %w", def.Name, err)
		}
		logger.Info("definition registered",
			slog.String("name", def.Name),
			slog.String("version", def.Version),
		)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// storeDefinitions adapts the store to the validator's sub-workflow lookup.
type storeDefinitions struct {
	store store.Store
}

func (s storeDefinitions) HasDefinition(name, version string) bool {
	_, err := s.store.GetDefinition(context.Background(), name, version)
	return err == nil
}

// logNotifier records would-be notifications in the log. Delivery channels
// are host concerns; this is the default sink.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(ctx context.Context, target, event string, payload map[string]any) error {
	n.logger.InfoContext(ctx, "notification",
		slog.String("target", target),
		slog.String("event", event),
	)
	return nil
}
