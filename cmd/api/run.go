package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"manchengo/api/internal/app"
	"manchengo/api/internal/monitoring"
	"manchengo/api/internal/store"

	"go.uber.org/zap"
)

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, true)
	if err != nil {
		return err
	}
	defer d.Close()

	httpServer := app.NewHTTPServer(d.service, d.cfg.CORSOrigin, d.logger)
	server := &http.Server{
		Addr:              d.cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		_ = d.monitor.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		d.logger.Info("Manchengo API listening", zap.String("addr", d.cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			stop()
			<-monitorDone
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("shutdown error", zap.Error(err))
	}
	<-monitorDone
	d.search.Wait()
	d.logger.Info("Manchengo API stopped")
	return nil
}

func runMigrate(parent context.Context, down int) error {
	ctx := contextOrBackground(parent)
	cfg, logger, err := loadBase()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if down > 0 {
		reverted, err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, down)
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		logger.Info("migrations rolled back", zap.Strings("versions", reverted))
		return nil
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info("migrations applied", zap.String("dir", cfg.MigrationsDir), zap.Strings("versions", applied))
	return nil
}

func runMonitorOnce(parent context.Context, out io.Writer) error {
	d, err := build(contextOrBackground(parent), false)
	if err != nil {
		return err
	}
	defer d.Close()

	report, ran, err := d.monitor.RunOnce(contextOrBackground(parent))
	if err != nil {
		return err
	}
	if !ran {
		fmt.Fprintf(out, "skipped: %s is held by another replica\n", monitoring.LockKey)
		return nil
	}
	return json.NewEncoder(out).Encode(report)
}

func runReindex(parent context.Context, out io.Writer) error {
	d, err := build(contextOrBackground(parent), false)
	if err != nil {
		return err
	}
	defer d.Close()

	n, err := d.search.Reindex(contextOrBackground(parent))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "indexed %d records\n", n)
	return nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
