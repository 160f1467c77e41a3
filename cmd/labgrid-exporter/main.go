package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labgrid-project/labgrid-go/internal/exporter"
	"github.com/labgrid-project/labgrid-go/internal/logging"
	"github.com/labgrid-project/labgrid-go/internal/version"
)

func main() {
	configPath := flag.String("config", "exporter.yaml", "path to the exporter configuration")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("labgrid-exporter %s (%s, %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return
	}

	logger := logging.New(false)
	cfg, err := exporter.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "path", *configPath, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("exporter starting", "name", cfg.Name, "coordinator", cfg.Coordinator, "version", version.Version)
	agent := exporter.NewAgent(cfg, logger)
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("exporter stopped", "error", err)
	}
}
