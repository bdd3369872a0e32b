// main.go
// Application entry point: loads configuration, initializes the logger and runs
// the hub server until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/erilali/wshub/internal/api"
	"github.com/erilali/wshub/internal/config"
	"github.com/erilali/wshub/internal/logger"
)

// Extra time on top of the hub grace period for HTTP and NATS to wind down.
const shutdownSlack = 5 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration file")
	envPath := flag.String("env", config.DefaultEnvPath, "path to an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.Log)
	serverLogger := logger.NewLogger("server")
	serverLogger.WithFields(map[string]interface{}{
		"level":       cfg.Log.Level,
		"log_to_file": cfg.Log.LogToFile,
		"log_to_json": cfg.Log.LogToJSON,
		"file_path":   cfg.Log.FilePath,
	}).Info("Logger configuration details")

	server := api.NewServer(cfg, serverLogger)

	served := make(chan error, 1)
	go func() { served <- server.ListenAndServe() }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-served:
		if err != nil {
			serverLogger.Fatalf("Server failed: %v", err)
		}
		return
	case sig := <-sigs:
		serverLogger.Infof("Received %s, shutting down", sig)
	}

	grace := cfg.HubConfig().ShutdownGrace
	ctx, cancel := context.WithTimeout(context.Background(), grace+shutdownSlack)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		serverLogger.Err(err, "Shutdown error")
	}
	if err := <-served; err != nil {
		serverLogger.Err(err, "Server error")
	}
	serverLogger.Info("Server stopped")
}
