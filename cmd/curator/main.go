// ABOUTME: Entry point for the curator conversion coordinator server
// ABOUTME: Wires config, persistence, agents, and the HTTP API together

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/curator/internal/agents"
	"github.com/2389/curator/internal/api"
	"github.com/2389/curator/internal/config"
	"github.com/2389/curator/internal/events"
	"github.com/2389/curator/internal/router"
	"github.com/2389/curator/internal/schema"
	"github.com/2389/curator/internal/session"
	"github.com/2389/curator/internal/workflow"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                      _
  ___ _   _ _ __ __ _| |_ ___  _ __
 / __| | | | '__/ _' | __/ _ \| '__|
| (__| |_| | | | (_| | || (_) | |
 \___|\__,_|_|  \__,_|\__\___/|_|
`

// getConfigPath returns the path to the curator config file.
// Priority: CURATOR_CONFIG env var > XDG_CONFIG_HOME/curator/curator.yaml > ~/.config/curator/curator.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CURATOR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "curator.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "curator", "curator.yaml")
}

// getDataPath returns the path to the curator data directory.
// Priority: XDG_DATA_HOME/curator > ~/.local/share/curator
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "curator")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: curator <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the coordinator server")
		fmt.Println("  init     Write a default config file")
		fmt.Println("  health   Check coordinator health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting curator",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	// Metadata schema: configured TOML file, or the built-in defaults.
	var sch *schema.Schema
	if cfg.Metadata.SchemaPath != "" {
		sch, err = schema.Load(cfg.Metadata.SchemaPath)
		if err != nil {
			return fmt.Errorf("loading metadata schema: %w", err)
		}
		logger.Info("metadata schema loaded",
			"path", cfg.Metadata.SchemaPath, "required", sch.Required())
	} else {
		sch = schema.Default()
	}

	persister, err := session.NewSQLitePersister(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening session database: %w", err)
	}
	defer persister.Close()

	sessions := session.NewManager(persister, logger)
	if err := sessions.Restore(ctx, persister); err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}

	broadcaster := events.NewBroadcaster(logger)
	defer broadcaster.Close()

	registry := router.NewRegistry()
	rt := router.NewRouter(registry, sessions, broadcaster,
		cfg.Pipeline.RequestTimeout, logger)

	// Stage collaborators. The in-process stubs stand in until external
	// detector/converter/validator services are configured.
	if err := agents.RegisterAll(registry, agents.Deps{
		Router:         rt,
		Workflow:       workflow.NewManager(sch, cfg.Pipeline.MaxRetryAttempts, logger),
		Broadcaster:    broadcaster,
		Detector:       agents.NewFakeDetector(),
		Converter:      &agents.FakeConverter{},
		Validator:      &agents.FakeValidator{},
		Extractor:      &agents.FakeExtractor{Ready: true},
		ConnectTimeout: cfg.Pipeline.ConnectTimeout,
		Logger:         logger,
	}); err != nil {
		return fmt.Errorf("registering agents: %w", err)
	}

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.NewServer(rt, registry, broadcaster, logger).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// loadConfig reads the config file, falling back to built-in defaults when
// no file exists at the path.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runInit writes a commented default config if none exists.
func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "curator.db")

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# curator configuration
# Generated by curator init

server:
  http_addr: "localhost:8484"

database:
  path: "%s"

pipeline:
  max_retry_attempts: 5
  request_timeout: "5m"
  connect_timeout: "10s"

metadata:
  # schema_path: "/path/to/metadata.toml"

logging:
  level: "info"
  format: "text"
`, dbPath)

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("\nTo start the server:")
	fmt.Println("  curator serve")
	return nil
}
