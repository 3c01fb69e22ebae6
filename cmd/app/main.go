package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fix_provider/internal/app"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap(*configPath)
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}
	defer bootstrap.Close()

	// 3. Metrics endpoint
	if addr := bootstrap.Config.Metrics.Listen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			slog.Info("📈 Metrics server started", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
	}

	// 4. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.InfoContext(ctx, "✨ FIX provider operational. Press Ctrl+C to exit.")
	if err := bootstrap.Run(ctx); err != nil {
		slog.Error("❌ Provider stopped", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}

	slog.Info("👋 Shutting down gracefully...")
}
