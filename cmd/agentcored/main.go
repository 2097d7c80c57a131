// Package main provides the entry point for agentcored, the agent runtime
// core's server process.
//
// agentcored wires together the Store, Config Registry, Tool Registry &
// Invoker, Model Router, Context Builder, Tool Loop Executor, Transport
// Session, Task Queue, and Work Registry into one process and serves the
// session wire protocol over a websocket endpoint.
//
// # Basic usage
//
// Start the server:
//
//	agentcored serve --config agentcore.yaml
//
// # Environment variables
//
//   - AGENTCORE_CONFIG: path to the configuration file (default: agentcore.yaml)
//   - ANTHROPIC_API_KEY: hosted model client credential
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelai/core/internal/agent"
	"github.com/kestrelai/core/internal/agent/providers"
	"github.com/kestrelai/core/internal/agent/routing"
	"github.com/kestrelai/core/internal/config"
	"github.com/kestrelai/core/internal/queue"
	"github.com/kestrelai/core/internal/ratelimit"
	"github.com/kestrelai/core/internal/sessions"
	"github.com/kestrelai/core/internal/store"
	"github.com/kestrelai/core/internal/tools/exec"
	"github.com/kestrelai/core/internal/transport"
	"github.com/kestrelai/core/internal/workregistry"
	"github.com/kestrelai/core/pkg/models"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:   "agentcored",
		Short: "Agent runtime core server",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.AddCommand(newServeCmd(logger))

	if err := root.Execute(); err != nil {
		logger.Error("agentcored exited with error", "error", err)
		os.Exit(1)
	}
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime core server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", envOr("AGENTCORE_CONFIG", "agentcore.yaml"), "path to the configuration file")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// serve builds every component named in the runtime's architecture and
// blocks serving the transport session endpoint until the process
// receives SIGINT/SIGTERM.
func serve(ctx context.Context, configPath string, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = applyLogLevel(logger, cfg.Logging.Level)

	secretBox, err := config.LoadOrCreateSecretBox(filepath.Join(filepath.Dir(configPath), ".agentcore.key"))
	if err != nil {
		return fmt.Errorf("load secret box: %w", err)
	}
	configRegistry := config.NewRegistry(cfg, secretBox, logger)

	// Store: durable conversations/messages/summaries/tasks/work items.
	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Model client variants (§4.4) plus the Model Router (§4.5) selecting
	// between them by complexity score.
	localProvider, hostedProvider, err := buildProviders(cfg)
	if err != nil {
		return fmt.Errorf("build model providers: %w", err)
	}
	modelRouter := routing.NewComplexityRouter(localProvider, hostedProvider, cfg.LLM.Routing.ComplexityThreshold)

	// Runtime: Tool Loop Executor + Context Builder live inside Runtime,
	// configured below via its Set* hooks.
	sessionStore := sessions.NewMemoryStore()
	runtime := agent.NewRuntimeWithOptions(hostedProvider, sessionStore, agent.RuntimeOptions{
		MaxIterations:    cfg.Tools.Execution.MaxRounds,
		ToolTimeout:      cfg.Tools.Execution.PerToolTimeout,
		ToolMaxAttempts:  cfg.Tools.Execution.MaxAttempts,
		ToolRetryBackoff: cfg.Tools.Execution.RetryBackoff,
		Logger:           logger,
	})
	runtime.SetModelRouter(modelRouter)
	runtime.SetConversationStore(st)
	runtime.SetDefaultModel(cfg.LLM.DefaultProvider)

	workspaceRoot := firstNonEmpty(cfg.Tools.Policy.PathAllowlist, ".")
	runtime.SetToolWorkspaceRoot(workspaceRoot)
	if limit, ok := toolRateLimit(cfg); ok {
		runtime.SetToolRateLimit(limit)
	}

	// Tool Registry & Invoker (§4.3): register the filesystem/process
	// tools the execution contract's path allow-list (step d) applies to.
	execManager := exec.NewManager(workspaceRoot)
	runtime.RegisterTool(exec.NewExecTool("shell", execManager))
	runtime.RegisterTool(exec.NewProcessTool(execManager))

	// Transport Session (§4.8): per-client websocket sessions.
	transportRegistry := transport.NewRegistry(logger)
	defer transportRegistry.Close()

	// Work Registry (§4.10): in-memory non-terminal cache, durable Store
	// mirror, change events broadcast over the transport layer.
	workRegistry := workregistry.New(st, transportRegistry, logger)

	// Task Queue (§4.9): in-process, non-durable background task
	// dispatch, bounded by max_research_tasks.
	maxConcurrency, _ := configRegistry.GetInt("max_research_tasks")
	taskQueue := queue.New(queue.Config{MaxConcurrency: maxConcurrency}, st, logger)
	registerTaskHandlers(taskQueue, runtime, workRegistry, logger)

	transportRegistry.SetFrameHandler(newFrameDispatcher(runtime, sessionStore, logger))

	mux := http.NewServeMux()
	mux.Handle("/ws", transportRegistry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	server := &http.Server{Addr: addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("agentcored listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("agentcored shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	}
}

func applyLogLevel(logger *slog.Logger, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	l := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(l)
	return l
}

func firstNonEmpty(values []string, fallback string) string {
	if len(values) > 0 && values[0] != "" {
		return values[0]
	}
	return fallback
}

func toolRateLimit(cfg *config.Config) (ratelimit.Config, bool) {
	for _, rl := range cfg.Tools.Policy.RateLimits {
		if rl.Requests <= 0 || rl.Window <= 0 {
			continue
		}
		return ratelimit.Config{
			RequestsPerSecond: float64(rl.Requests) / rl.Window.Seconds(),
			BurstSize:         rl.Requests,
			Enabled:           true,
		}, true
	}
	return ratelimit.Config{}, false
}

// buildProviders constructs the Local and Hosted model client variants
// (§4.4) from configured providers. "ollama" backs Local (HTTP to a local
// inference server); "anthropic" backs Hosted (paid API, native tool
// calls). Either may be absent from config, in which case that variant is
// simply unavailable to the Model Router.
func buildProviders(cfg *config.Config) (local, hosted agent.LLMProvider, err error) {
	if ollamaCfg, ok := cfg.LLM.Providers["ollama"]; ok {
		local = providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      ollamaCfg.BaseURL,
			DefaultModel: ollamaCfg.DefaultModel,
			Timeout:      60 * time.Second,
		})
	}
	if anthropicCfg, ok := cfg.LLM.Providers["anthropic"]; ok && anthropicCfg.APIKey != "" {
		hosted, err = providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       anthropicCfg.APIKey,
			BaseURL:      anthropicCfg.BaseURL,
			DefaultModel: anthropicCfg.DefaultModel,
			MaxRetries:   3,
			RetryDelay:   time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
	}
	if local == nil && hosted == nil {
		return nil, nil, fmt.Errorf("no model provider configured: set llm.providers.ollama or llm.providers.anthropic")
	}
	return local, hosted, nil
}

// registerTaskHandlers binds the Task Queue's one built-in task type: an
// asynchronous agent turn, dispatched the same way a transport session
// would trigger one but without a live client attached. It reports its
// progress through the Work Registry.
func registerTaskHandlers(q *queue.Queue, runtime *agent.Runtime, workRegistry *workregistry.Registry, logger *slog.Logger) {
	q.RegisterHandler("agent_turn", func(ctx context.Context, payload json.RawMessage) (string, error) {
		var req struct {
			SessionKey string `json:"session_key"`
			Prompt     string `json:"prompt"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return "", fmt.Errorf("decode agent_turn payload: %w", err)
		}

		item, err := workRegistry.Register(ctx, &models.WorkItem{
			Kind:   models.WorkItemTask,
			Title:  "agent turn: " + req.Prompt,
			Status: models.WorkItemRunning,
		})
		if err != nil {
			return "", fmt.Errorf("register work item: %w", err)
		}

		session := &models.Session{ID: req.SessionKey, Channel: models.ChannelWebSocket, ChannelID: req.SessionKey, Key: req.SessionKey}
		msg := &models.Message{Role: models.RoleUser, Content: req.Prompt}
		chunks, err := runtime.Process(ctx, session, msg)
		if err != nil {
			_, _ = workRegistry.UpdateStatus(ctx, item.ID, models.WorkItemFailed)
			return "", err
		}

		var final string
		for chunk := range chunks {
			if chunk.Error != nil {
				_, _ = workRegistry.UpdateStatus(ctx, item.ID, models.WorkItemFailed)
				return "", chunk.Error
			}
			final += chunk.Text
		}
		if _, err := workRegistry.UpdateStatus(ctx, item.ID, models.WorkItemCompleted); err != nil {
			logger.Warn("failed to mark work item completed", "work_item_id", item.ID, "error", err)
		}
		return final, nil
	})
}

// newFrameDispatcher turns the client-to-server messages of the session
// wire protocol (§6: text, abort, set_model, set_conversation, pong) into
// Runtime calls, streaming the turn back over the same session via
// transport.PumpResponse.
func newFrameDispatcher(runtime *agent.Runtime, sessionStore sessions.Store, logger *slog.Logger) transport.FrameHandler {
	return func(session *transport.Session, frame *transport.Frame) {
		if frame.Type != transport.FrameRequest {
			return
		}
		var req struct {
			Type   string `json:"type"`
			Text   string `json:"text"`
			ConvID string `json:"conv_id"`
		}
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			_, _ = session.Send(transport.FrameError, "", map[string]string{"category": "ProtocolError", "message": "malformed client frame"})
			return
		}

		switch req.Type {
		case "text":
			go runTurn(runtime, sessionStore, session, req.Text, logger)
		case "pong":
			// Read deadline refresh happens in the websocket pong handler
			// (session.go); nothing further to do here.
		default:
			_, _ = session.Send(transport.FrameError, "", map[string]string{"category": "ProtocolError", "message": "unsupported frame type " + req.Type})
		}
	}
}

func runTurn(runtime *agent.Runtime, sessionStore sessions.Store, session *transport.Session, text string, logger *slog.Logger) {
	ctx := context.Background()
	modelSession, err := sessionStore.GetOrCreate(ctx, session.ID(), "default", models.ChannelWebSocket, session.ID())
	if err != nil {
		logger.Error("failed to resolve session for turn", "session_id", session.ID(), "error", err)
		_, _ = session.Send(transport.FrameError, "", map[string]string{"category": "StorePermanent", "message": "session lookup failed"})
		return
	}

	runID := session.ID() + "-" + time.Now().UTC().Format("150405.000000000")
	chunks, err := runtime.Process(ctx, modelSession, &models.Message{Role: models.RoleUser, Content: text})
	if err != nil {
		_, _ = session.Send(transport.FrameError, runID, map[string]string{"category": "ModelUnavailable", "message": err.Error()})
		return
	}
	transport.PumpResponse(session, runID, chunks)
}
