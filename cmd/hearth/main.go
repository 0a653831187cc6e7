// Hearth is a self-hosted assistant with a streaming provider chain,
// approval-gated skills, and long-term vector memory.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hearth serve              Start the API server
//	hearth init [dir]         Initialize a working directory with defaults
//	hearth ask <question>     Ask a single question
//	hearth migrate            Re-embed long-term memory with the active embedder
//	hearth version            Print version and build information
//	hearth -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/hearth/internal/agent"
	"github.com/nugget/hearth/internal/api"
	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/conversation"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/runtime"
	"github.com/nugget/hearth/internal/vectorstore"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the
// caller prints a returned error to stderr and exits non-zero.
//
// Arguments are parsed by hand: the flag package's global state would
// stop tests from calling run concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var autoApprove bool
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-yes" || args[i] == "--yes":
			autoApprove = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: hearth ask [-yes] <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, autoApprove, cmdArgs)
	case "migrate":
		return runMigrate(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hearth - Self-hosted assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hearth [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server (SIGHUP reloads the config)")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question")
	fmt.Fprintln(w, "  migrate      Re-embed long-term memory with the configured embedder")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -yes              ask: approve every skill call (default: deny)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise the default locations are
// searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// configuredLogger builds the logger the config asks for. Validate has
// already run by the time it matters, so a bad level falls back to info.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}

// openVectorStore opens memory.db in the data directory with WAL
// journaling so API reads do not wait on a running migration's writes.
func openVectorStore(cfg *config.Config, logger *slog.Logger) (*vectorstore.Store, func(), error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(cfg.DataDir, "memory.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	store, err := vectorstore.New(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open vector store: %w", err)
	}
	return store, func() { db.Close() }, nil
}

// runAsk answers one question on stdout without starting the server.
// Skill calls needing approval are denied unless autoApprove is set.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, autoApprove bool, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout carries only the answer.
	logger := configuredLogger(stderr, cfg)

	store, closeStore, err := openVectorStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rt, err := runtime.New(ctx, cfg, runtime.Options{Store: store, Logger: logger})
	if err != nil {
		return err
	}
	loop := agent.NewLoop(rt, nil, logger)

	question := strings.Join(args, " ")
	_, err = loop.Run(ctx, agent.Request{
		ConversationID: "cli",
		Messages:       []llm.Message{llm.NewText(llm.RoleUser, question)},
	}, func(ev agent.Event) {
		switch ev.Type {
		case agent.EventWarnings:
			for _, w := range ev.Warnings {
				fmt.Fprintf(stderr, "warning: %s\n", w)
			}
		case agent.EventTokenDelta:
			fmt.Fprint(stdout, ev.Text)
		case agent.EventToolCallStart:
			fmt.Fprintf(stderr, "[%s]\n", ev.ToolCall.Name)
		case agent.EventApprovalRequest:
			verdict := "denied"
			if autoApprove {
				verdict = "approved"
			}
			fmt.Fprintf(stderr, "[%s %s]\n", ev.Approval.Skill, verdict)
			if err := rt.ResolveApproval(ev.Approval.ID, autoApprove); err != nil {
				logger.Warn("approval not delivered", "approval_id", ev.Approval.ID, "error", err)
			}
		}
	})
	fmt.Fprintln(stdout)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// runMigrate re-embeds the vector store with the configured embedder.
func runMigrate(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	store, closeStore, err := openVectorStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rt, err := runtime.New(ctx, cfg, runtime.Options{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := rt.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	if report.Skipped {
		fmt.Fprintf(stdout, "Memory already uses %s (%d dimensions); nothing to do.\n", report.ToModel, report.ToDimensions)
		return nil
	}
	fmt.Fprintf(stdout, "Re-embedded %d entries: %s/%d -> %s/%d in %s\n",
		report.Reembedded, report.FromModel, report.FromDimensions,
		report.ToModel, report.ToDimensions, report.Duration.Round(time.Millisecond))
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, reloading the configuration on SIGHUP.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The vector store closes via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting Hearth", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"chat_providers", len(cfg.Providers.Chat),
		"data_dir", cfg.DataDir,
	)

	store, closeStore, err := openVectorStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.New()
	rt, err := runtime.New(ctx, cfg, runtime.Options{Store: store, Bus: bus, Logger: logger})
	if err != nil {
		return err
	}
	loop := agent.NewLoop(rt, bus, logger)

	conversations := conversation.NewStore(0)
	conversations.OnDelete(rt.DropConversation)
	conversations.OnDelete(loop.Forget)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, rt, conversations, bus, logger)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reload(ctx, rt, cfgPath, logger)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Hearth stopped")
	return nil
}

// reload re-reads the config file and swaps in a new component set.
// A bad file leaves the running set in place. Listen address and log
// settings only take effect on restart.
func reload(ctx context.Context, rt *runtime.Runtime, cfgPath string, logger *slog.Logger) {
	logger.Info("reloading config", "path", cfgPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config reload failed", "path", cfgPath, "error", err)
		return
	}
	if err := rt.Reload(ctx, cfg); err != nil {
		logger.Error("config reload failed", "path", cfgPath, "error", err)
	}
}
