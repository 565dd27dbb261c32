// Command requestguard runs the request-security pipeline in front of an
// upstream service.
//
// Configuration comes from GUARD_* environment variables and an optional
// YAML file named by GUARD_CONFIG_FILE; see package config.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/requestguard/audit"
	"github.com/o-tero/requestguard/pipeline"
	"github.com/o-tero/requestguard/pkg/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "requestguard:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := cfg.Server.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	p, err := pipeline.New(cfg.Pipeline, pipeline.WithLogger(logger))
	if err != nil {
		return err
	}
	defer p.Stop()

	auditLog, err := audit.New(cfg.Server.AuditCapacity, logger)
	if err != nil {
		return err
	}
	unsubscribe, err := auditLog.Subscribe(p.Bus())
	if err != nil {
		return err
	}
	defer unsubscribe()

	srv, err := newServer(cfg, p, auditLog, logger)
	if err != nil {
		return err
	}
	handler, err := srv.routes()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		return err
	}
	go srv.runAuditRetention(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("requestguard listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("fail_policy", string(cfg.Pipeline.FailPolicy)),
			zap.Bool("proxying", cfg.Server.Upstream != ""))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("requestguard stopped")
	return nil
}
