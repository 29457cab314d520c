// Command tabletalk serves a conversational agent that answers questions
// about a SQL warehouse.
//
// Usage:
//
//	tabletalk serve --config config.yaml
//	tabletalk validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/tabletalk-ai/tabletalk/pkg/agent"
	"github.com/tabletalk-ai/tabletalk/pkg/config"
	"github.com/tabletalk-ai/tabletalk/pkg/grounding"
	"github.com/tabletalk-ai/tabletalk/pkg/llm"
	"github.com/tabletalk-ai/tabletalk/pkg/logger"
	"github.com/tabletalk-ai/tabletalk/pkg/prompt"
	"github.com/tabletalk-ai/tabletalk/pkg/server"
	"github.com/tabletalk-ai/tabletalk/pkg/session"
	"github.com/tabletalk-ai/tabletalk/pkg/tool"
	"github.com/tabletalk-ai/tabletalk/pkg/warehouse"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`

	Config   string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile  string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("tabletalk %s\n", version)
	return nil
}

// ValidateCmd checks the configuration without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := loadConfig(cli); err != nil {
		return err
	}
	fmt.Println("Configuration is valid.")
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Port > 0 {
		cfg.Server.Port = c.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	provider, err := llm.New(&cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to initialize model provider: %w", err)
	}
	defer provider.Close()

	wh, err := warehouse.NewSQLClient(&cfg.Warehouse)
	if err != nil {
		return fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	defer wh.Close()

	sessions, err := session.NewStore(&cfg.Sessions)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	defer sessions.Close()

	groundingProvider := grounding.NewProvider(wh, &cfg.Grounding)
	registry := tool.NewRegistry(tool.WarehouseTools(wh), tool.ClarificationDefinition())
	dispatcher := tool.NewDispatcher(registry, &cfg.Agent)

	assembler, err := prompt.NewAssembler(&cfg.Agent, provider.Model())
	if err != nil {
		return fmt.Errorf("failed to initialize prompt assembler: %w", err)
	}

	core := agent.New(provider, registry, dispatcher, groundingProvider, wh, sessions, assembler, &cfg.Agent)
	srv := server.New(core, wh, &cfg.Server)

	warmGrounding(ctx, cfg, wh, groundingProvider)

	if cfg.Sessions.MaxIdle > 0 {
		go sweepSessions(ctx, sessions, cfg.Sessions.MaxIdle.Std())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// sweepSessions deletes idle sessions on a fixed interval.
func sweepSessions(ctx context.Context, sessions session.Store, maxIdle time.Duration) {
	interval := maxIdle / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.DeleteExpired(ctx, maxIdle)
			if err != nil {
				slog.Warn("Session sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("Expired sessions deleted", "count", n)
			}
		}
	}
}

// warmGrounding primes the grounding cache for the configured tables and
// logs the startup figures.
func warmGrounding(ctx context.Context, cfg *config.Config, wh warehouse.Client, gp *grounding.Provider) {
	tables := cfg.Warehouse.Tables
	if len(tables) == 0 {
		listed, err := wh.ListTables(ctx)
		if err != nil {
			slog.Warn("Failed to list tables for grounding warmup", "error", err)
			return
		}
		tables = listed
	}

	start := time.Now()
	gp.Warm(ctx, tables)
	stats := gp.Stats()
	slog.Info("Grounding cache warmed",
		"tables", len(tables),
		"cached", stats.Entries,
		"failures", stats.Failures,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

func loadConfig(cli *CLI) (*config.Config, error) {
	config.LoadEnvFiles()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	logPath := cfg.Logging.File
	if cli.LogFile != "" {
		logPath = cli.LogFile
	}
	logFile := os.Stderr
	if logPath != "" {
		// the log file stays open for the life of the process
		f, _, err := logger.OpenLogFile(logPath)
		if err != nil {
			return nil, err
		}
		logFile = f
	}
	logger.Init(logger.ParseLevel(level), logFile, cfg.Logging.Format)

	return cfg, nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("tabletalk"),
		kong.Description("Conversational analytics over your SQL warehouse."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
