// Command weft runs the workflow engine daemon: it opens the store,
// connects agent and MCP tool backends, loads workflow definitions
// from disk, and serves queued and scheduled executions until
// interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/weft-labs/weft/internal/backends"
	"github.com/weft-labs/weft/internal/engine"
	"github.com/weft-labs/weft/internal/logging"
	"github.com/weft-labs/weft/internal/scheduler"
	"github.com/weft-labs/weft/internal/store"
	"github.com/weft-labs/weft/internal/streaming"
	"github.com/weft-labs/weft/internal/validation"
	"github.com/weft-labs/weft/internal/workflows"
	"github.com/weft-labs/weft/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "weft:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	mcp := backends.NewMCPManager(logger)
	defer mcp.Close()
	for _, entry := range cfg.MCPServers {
		if err := mcp.Connect(ctx, backends.MCPServerConfig{
			ID:      entry.ID,
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
		}); err != nil {
			logger.Error("mcp server connect failed",
				slog.String("server_id", entry.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	var agentBackend *backends.HTTPAgentBackend
	var agentRunner backends.AgentRunner
	var agentResolver validation.AgentResolver
	if cfg.AgentURL != "" {
		agentBackend = backends.NewHTTPAgentBackend(cfg.AgentURL, cfg.AgentAPIKey)
		agentRunner = agentBackend
		agentResolver = agentBackend
	} else {
		logger.Warn("no agent backend configured, agent nodes will fail")
	}

	eng, err := engine.New(engine.Deps{
		Store:   st,
		Agents:  agentRunner,
		Tools:   mcp,
		History: backends.NewMemoryChatHistory(),
		Events:  streaming.NewMemoryHub(),
	}, engine.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	validator, err := validation.NewWorkflowValidator(agentResolver, mcp)
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}
	svc := workflows.NewService(st, validator, logger)

	if err := loadWorkflowDir(ctx, svc, cfg.WorkflowsDir, logger); err != nil {
		return err
	}

	eng.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			logger.Error("engine stop timed out", slog.String("error", err.Error()))
		}
	}()

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, eng, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	logger.Info("weft engine running",
		slog.String("db_path", cfg.DBPath),
		slog.Int("mcp_servers", len(cfg.MCPServers)),
		slog.Bool("scheduler", cfg.Scheduler),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", slog.String("signal", sig.String()))
	return nil
}

// loadWorkflowDir registers every workflow definition file found in
// dir. Existing definitions are updated as a new revision. A missing
// directory is not an error.
func loadWorkflowDir(ctx context.Context, svc *workflows.Service, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workflows dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read workflow file %s: %w", name, err)
		}

		var def *schema.WorkflowDefinition
		switch {
		case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
			def, err = schema.ParseWorkflowYAML(data)
		case strings.HasSuffix(name, ".json"):
			def, err = schema.ParseWorkflowJSON(data)
		default:
			continue
		}
		if err != nil {
			logger.Error("skipping unparseable workflow file",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := svc.Create(ctx, def); err != nil {
			if schema.ErrorCode(err) == schema.ErrCodeConflict {
				err = svc.Update(ctx, def)
			}
			if err != nil {
				logger.Error("workflow registration failed",
					slog.String("file", name),
					slog.String("workflow_id", def.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
		}
		logger.Info("workflow loaded",
			slog.String("file", name),
			slog.String("workflow_id", def.ID),
		)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
