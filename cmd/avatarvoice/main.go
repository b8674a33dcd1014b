// Command avatarvoice serves speech synthesis and transcription for a
// talking avatar over HTTP, failing over between the configured backends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/avatarvoice/internal/app"
	"github.com/MrWong99/avatarvoice/internal/config"
	"github.com/MrWong99/avatarvoice/internal/observe"
)

var version = "dev"

const (
	defaultListenAddr = ":8090"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload voice and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "avatarvoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "avatarvoice: %v\n", err)
		}
		return 1
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("avatarvoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Backends ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	built, err := reg.Build(cfg)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}

	application, err := app.New(cfg, built, app.WithMetrics(metrics), app.WithLevelVar(level))
	if err != nil {
		_ = built.Close()
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	var watcher *config.Watcher
	if *watch {
		watcher, err = config.NewWatcher(*configPath, application.Apply)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		}
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	application.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	serveErr := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			serveErr <- srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		serveErr <- srv.ListenAndServe()
	}()
	slog.Info("server ready; press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	code := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			code = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       avatarvoice: startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printBackends("TTS", cfg.Backends.TTS)
	printBackends("STT", cfg.Backends.STT)
	printRow("Voice", orDefault(cfg.Voice.VoiceID, "(provider default)"))
	printRow("Language", orDefault(cfg.Voice.Language, "(provider default)"))
	printRow("Cache entries", fmt.Sprint(orDefaultInt(cfg.Cache.MaxEntries, 512)))
	printRow("Eager warmup", fmt.Sprint(cfg.Warmup.Eager))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printBackends(kind string, entries []config.BackendEntry) {
	if len(entries) == 0 {
		printRow(kind, "(not configured)")
		return
	}
	for _, e := range entries {
		printRow(kind, e.Name+" / "+e.Provider)
	}
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-13s  : %-19s ║\n", label, value)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
