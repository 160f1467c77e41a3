package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/api"
	"github.com/labgrid-project/labgrid-go/internal/config"
	"github.com/labgrid-project/labgrid-go/internal/db"
	"github.com/labgrid-project/labgrid-go/internal/logging"
	"github.com/labgrid-project/labgrid-go/internal/middleware"
	"github.com/labgrid-project/labgrid-go/internal/version"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env == "production")

	if err := db.Init(cfg, logger); err != nil {
		logger.Fatal("failed to init db", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go api.StartSweeper(ctx, cfg, logger)

	r := api.Router(cfg, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.HttpPort,
		Handler:           middleware.Recoverer(r, logger),
		ReadHeaderTimeout: 15 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("coordinator starting", "addr", srv.Addr, "version", version.Version)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Println("server error:", err)
		os.Exit(1)
	}
}
