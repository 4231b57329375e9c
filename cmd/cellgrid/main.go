// CLAUDE:SUMMARY Entry point for the cellgrid service — YAML config + env overrides, HTTP/ws/MCP server, one-shot status/chunk/maintenance commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/cellgrid/dbopen"
	"github.com/hazyhaar/cellgrid/grid"
	"github.com/hazyhaar/cellgrid/shield"
)

func main() {
	configPath := flag.String("config", env("CELLGRID_CONFIG", ""), "YAML config file")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "debug, info, warn or error")
	status := flag.Bool("status", false, "print the grid status as JSON and exit")
	chunk := flag.Int("chunk", -1, "print the chunk at this offset as JSON and exit")
	maintenance := flag.String("maintenance", "", "set read-only maintenance mode (on or off) and exit")
	message := flag.String("message", "", "maintenance message shown to clients")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	if *maintenance != "" {
		if err := setMaintenance(cfg, *maintenance, *message); err != nil {
			slog.Error("maintenance", "error", err)
			os.Exit(1)
		}
		return
	}

	// One-shot commands do not need the ops database.
	oneShot := *status || *chunk >= 0
	if oneShot {
		cfg.Observability.DBPath = ""
	}

	g, err := grid.New(cfg, logger)
	if err != nil {
		slog.Error("grid", "error", err)
		os.Exit(1)
	}
	defer g.Close()

	if oneShot {
		if err := runOnce(g, *status, *chunk); err != nil {
			slog.Error("command", "error", err)
			g.Close()
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("cellgrid starting", "addr", cfg.HTTP.Addr, "grid", g.Name(), "size", g.Size())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
}

// loadConfig reads the optional YAML file and applies environment overrides.
func loadConfig(path string) (*grid.Config, error) {
	cfg := &grid.Config{}
	if path != "" {
		var err error
		if cfg, err = grid.LoadConfigFile(path); err != nil {
			return nil, err
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.HTTP.Addr = ":" + port
	}
	cfg.Store.Driver = env("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.Path = env("STORE_PATH", cfg.Store.Path)
	cfg.Store.Addr = env("REDIS_ADDR", cfg.Store.Addr)
	cfg.Store.DSN = env("DATABASE_URL", cfg.Store.DSN)
	cfg.Observability.DBPath = env("OPS_DB", cfg.Observability.DBPath)
	if s := os.Getenv("GRID_SIZE"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("GRID_SIZE: %w", err)
		}
		cfg.Grid.Size = n
	}

	if cfg.Store.Path == "" && (cfg.Store.Driver == "" || cfg.Store.Driver == "sqlite") {
		cfg.Store.Path = "data/cellgrid.db"
	}
	if cfg.Store.Path == "" && cfg.Store.Driver == "bolt" {
		cfg.Store.Path = "data/cellgrid.bolt"
	}
	if cfg.Observability.DBPath == "" {
		cfg.Observability.DBPath = "data/cellgrid_ops.db"
	}
	return cfg, nil
}

func runOnce(g *grid.Grid, status bool, offset int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if status {
		st, err := g.Status(ctx)
		if err != nil {
			return err
		}
		if err := enc.Encode(st); err != nil {
			return err
		}
	}
	if offset >= 0 {
		c, err := g.Chunk(ctx, offset)
		if err != nil {
			return err
		}
		return enc.Encode(c)
	}
	return nil
}

func setMaintenance(cfg *grid.Config, mode, message string) error {
	var active bool
	switch mode {
	case "on":
		active = true
	case "off":
	default:
		return fmt.Errorf("maintenance must be on or off, got %q", mode)
	}
	db, err := dbopen.Open(cfg.Observability.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(shield.Schema))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := shield.SetMaintenance(context.Background(), db, active, message); err != nil {
		return err
	}
	slog.Info("maintenance updated", "active", active, "db", cfg.Observability.DBPath)
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
