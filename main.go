// Command appforge runs the application-generation service: the HTTP
// control plane, the WebSocket feeds and the session agents behind them.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"appforge/internal/kernel"
	"appforge/pkg/config"
	"appforge/pkg/logx"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var workDir string
	var host string
	var port int
	flag.StringVar(&workDir, "workdir", "", "Project directory (default: current directory)")
	flag.StringVar(&host, "host", "", "Listen host (overrides config)")
	flag.IntVar(&port, "port", 0, "Listen port (overrides config)")
	flag.Parse()

	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	if err := config.LoadConfig(workDir); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Failed to read config: %v", err)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	logger := logx.NewLogger("main")

	ctx := context.Background()
	k, err := kernel.NewKernel(ctx, &cfg, workDir)
	if err != nil {
		log.Fatalf("Failed to create kernel: %v", err)
	}
	if err := k.Start(); err != nil {
		log.Fatalf("Failed to start kernel: %v", err)
	}
	logger.Info("appforge listening on %s:%d", cfg.Server.Host, cfg.Server.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal %v, shutting down", sig)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := k.Stop(); err != nil {
			logger.Error("shutdown error: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Error("shutdown timed out after %s", shutdownTimeout)
		os.Exit(1)
	}
}
