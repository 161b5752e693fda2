package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/agentworkforce/registrar/internal/httpapi"
	"github.com/agentworkforce/registrar/internal/registration"
	"golang.org/x/sys/unix"
)

// app is everything serve starts and stops.
type app struct {
	cfg         config
	logger      *slog.Logger
	store       registration.Store
	credentials *registration.CredentialsSource
	pipeline    *registration.Pipeline
	server      *httpapi.Server
}

func buildApp(cfg config, logger *slog.Logger) (*app, error) {
	dsn, err := cfg.ledgerDSN()
	if err != nil {
		return nil, err
	}
	dedup, err := registration.ParseDuplicateCheckPolicy(cfg.DedupPolicy)
	if err != nil {
		return nil, err
	}
	revision := registration.SchemaRevision(cfg.Revision).Normalize()
	layout := cfg.tableLayout()

	a := &app{cfg: cfg, logger: logger}
	storeOpts := registration.StoreOptions{
		Layout:        layout,
		SheetsBaseURL: cfg.SheetsBaseURL,
		Logger:        logger,
	}
	if cfg.usesSheets() {
		a.credentials = registration.NewCredentialsSource(registration.CredentialsOptions{
			File:   cfg.CredentialsFile,
			Logger: logger,
		})
		storeOpts.TokenProvider = a.credentials.Token
	}
	store, err := registration.BuildStoreFromDSN(dsn, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}
	a.store = store

	queue, err := registration.BuildSubmissionQueueFromDSN(cfg.QueueDSN)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize submission queue: %w", err)
	}

	writerOpts := registration.WriterOptions{
		Store:    store,
		Layout:   layout,
		Revision: revision,
		Checker:  registration.DuplicateChecker{Policy: dedup, Logger: logger},
		Renderer: registration.NewConfirmationRenderer(cfg.EventName),
		Logger:   logger,
	}
	if revision == registration.RevisionV2 {
		smtp := cfg.smtp()
		if !smtp.Configured() {
			logger.Warn("mail relay not configured, confirmations will not be sent")
		}
		writerOpts.Notifier = registration.NewSMTPNotifier(smtp, logger)
	}

	pipeline, err := registration.NewPipeline(registration.PipelineOptions{
		Queue:          queue,
		Writer:         registration.NewWriter(writerOpts),
		Logger:         logger,
		ProcessTimeout: cfg.ProcessTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Outcomes:       registration.NewOutcomeStore(cfg.OutcomeTTL, 0),
		Feed:           registration.NewFeed(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.pipeline = pipeline
	a.server = httpapi.NewServerWithConfig(pipeline, httpapi.ServerConfig{
		Revision:        revision,
		EventName:       cfg.EventName,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
		Logger:          logger,
	})
	return a, nil
}

// run serves until ctx is done, then stops accepting requests and drains
// the queue within the shutdown timeout.
func (a *app) run(ctx context.Context) error {
	a.pipeline.Start()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if a.credentials != nil {
		go func() {
			if err := a.credentials.Watch(watchCtx); err != nil {
				a.logger.Warn("credentials watcher stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              a.cfg.listenAddr(),
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("registrar listening", "addr", httpServer.Addr, "revision", a.cfg.Revision)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	shutdownTimeout := a.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := a.pipeline.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("queue not drained before shutdown timeout", "queue_size", a.pipeline.Status().QueueSize, "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing ledger failed", "error", err)
	}
	return runErr
}

func runServe(cfg config, logger *slog.Logger) error {
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	return a.run(ctx)
}
