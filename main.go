// mindmeld serves collaborative mind maps: a REST snapshot store with
// optimistic concurrency plus live CRDT sessions over binary sockets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mindmeld/internal/config"
	"mindmeld/internal/server"
	"mindmeld/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	engine, err := storage.Open(cfg.SQLiteFile, logger)
	if err != nil {
		return err
	}

	// The defined migrations are idempotent over the schema Open creates;
	// applying them here keeps the version history current for readiness.
	migrator := storage.NewMigrator(engine, logger)
	if _, err := migrator.Apply(context.Background(), storage.Defined(), storage.ApplyOptions{}); err != nil {
		engine.Close()
		return err
	}

	srv := server.New(cfg, engine, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-errCh
}
