package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/aide/internal/actions"
	"github.com/kalambet/aide/internal/api"
	"github.com/kalambet/aide/internal/composer"
	"github.com/kalambet/aide/internal/config"
	"github.com/kalambet/aide/internal/delivery"
	"github.com/kalambet/aide/internal/llm"
	"github.com/kalambet/aide/internal/orchestrator"
	"github.com/kalambet/aide/internal/profile"
	"github.com/kalambet/aide/internal/ratelimit"
	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/search"
	"github.com/kalambet/aide/internal/storage"
	"github.com/kalambet/aide/internal/tasks"
	"github.com/kalambet/aide/internal/transport"
	"github.com/kalambet/aide/internal/wizard"
)

const (
	digestInterval = time.Minute
	sweepInterval  = time.Minute
	limiterSweep   = time.Hour
	pollInterval   = 500 * time.Millisecond
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the aide server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(stdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running aide server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show aide system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "aide.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// app is the assembled process: every long-running component plus the HTTP
// handler and MCP server in front of them.
type app struct {
	scheduler *reminder.Scheduler
	digest    *reminder.Digest
	worker    *delivery.Worker
	registry  *actions.Registry
	limiter   *ratelimit.Limiter
	handler   http.Handler
	mcp       *server.MCPServer
}

func buildApp(cfg config.Config, store *storage.Store) (*app, error) {
	loc, err := time.LoadLocation(cfg.Time.Zone)
	if err != nil {
		return nil, fmt.Errorf("loading time zone: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Limits{
		PerMinute: cfg.Limits.PerMinute,
		PerDay:    cfg.Limits.PerDay,
		Location:  loc,
	})
	registry := actions.NewRegistry(actions.Options{
		TTL:        cfg.Actions.TTL,
		MaxEntries: cfg.Actions.MaxEntries,
	})
	profiles := profile.NewManager(store, profile.Defaults{
		TimeZone:  cfg.Time.Zone,
		FactsOnly: cfg.Policy.FactsOnlyDefault,
	})

	queue := delivery.NewQueue(store)
	sched := reminder.New(store, queue, reminder.Config{
		Tick:  cfg.Scheduler.Tick,
		Grace: cfg.Scheduler.Grace,
	})
	if err := sched.Load(); err != nil {
		return nil, fmt.Errorf("loading reminders: %w", err)
	}
	digest := reminder.NewDigest(store, profiles, queue, cfg.Digest.Hour)

	wiz := wizard.New(store, sched, wizard.SchedulerCalendar{Reminders: sched}, profiles, cfg.Wizard.Timeout)

	llmClient := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Timeout)
	if cfg.LLM.APIKey == "" {
		slog.Warn("no LLM API key configured, model answers are disabled")
	}
	searcher := search.New(llmClient, cfg.LLM.SearchModel, &http.Client{Timeout: 10 * time.Second})

	orch := orchestrator.New(orchestrator.Deps{
		Limiter:   limiter,
		Wizard:    wiz,
		Reminders: sched,
		Profiles:  profiles,
		Actions:   registry,
		Tasks:     tasks.NewRegistry(cfg.Policy.Tasks...),
		Composer:  composer.New(0),
		LLM:       llmClient,
		Search:    searcher,
		History:   store,
	}, orchestrator.Config{
		AllowedOwners: cfg.Access.AllowedOwners,
		Model:         cfg.LLM.Model,
		HistoryTurns:  cfg.LLM.HistoryTurns,
		Smalltalk:     cfg.Policy.Smalltalk,
	})

	var sender transport.Sender = transport.LogSender{}
	if cfg.Transport.WebhookURL != "" {
		sender = transport.NewWebhook(cfg.Transport.WebhookURL, cfg.Server.APIToken, 0)
	} else {
		slog.Warn("no webhook configured, notifications are only logged")
	}
	worker := delivery.NewWorker(store, sender, registry, pollInterval)

	deps := api.Deps{
		Assistant: orch,
		Registrar: registry,
		Reminders: sched,
		Zones:     profiles,
		Token:     cfg.Server.APIToken,
	}

	return &app{
		scheduler: sched,
		digest:    digest,
		worker:    worker,
		registry:  registry,
		limiter:   limiter,
		handler:   api.NewHandler(deps),
		mcp:       api.NewMCPServer(deps),
	}, nil
}

// run starts every component and blocks until ctx is cancelled or one of
// them fails. The HTTP server gets shutdownTimeout to drain.
func (a *app) run(ctx context.Context, srv *http.Server, stdio bool) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.digest.Run(gctx, digestInterval) })
	g.Go(func() error {
		a.worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.registry.Run(gctx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		a.limiter.Run(gctx, limiterSweep)
		return nil
	})

	if stdio {
		// Stdio ends when the client disconnects; that must not stop the server.
		go func() {
			if err := server.NewStdioServer(a.mcp).Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "aide listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

const shutdownTimeout = 5 * time.Second

func runServer(stdio bool) error {
	fmt.Fprintf(os.Stderr, "aide version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireServe(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Refuse to start twice. The health endpoint is the source of truth; the
	// PID file only names the process.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("aide is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("aide is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("Opening storage in %s", cfg.Storage.DataDir)
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	a, err := buildApp(cfg, store)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	return a.run(ctx, srv, stdio)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("aide is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop aide (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to aide (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s", cfg.LLM.Model)
	printStatus("Search model", "%s", cfg.LLM.SearchModel)
	printStatus("LLM key", "%s", configuredLabel(cfg.LLM.APIKey != ""))
	printStatus("API token", "%s", configuredLabel(cfg.Server.APIToken != ""))
	printStatus("Limits", "%s/min, %s/day", limitLabel(cfg.Limits.PerMinute), limitLabel(cfg.Limits.PerDay))
	printStatus("Time zone", "%s", cfg.Time.Zone)
	if cfg.Transport.WebhookURL != "" {
		printStatus("Webhook", "%s", cfg.Transport.WebhookURL)
	} else {
		printStatus("Webhook", "not configured (notifications are logged)")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func configuredLabel(ok bool) string {
	if ok {
		return "configured"
	}
	return colorize(colorYellow, "missing")
}

func limitLabel(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}
