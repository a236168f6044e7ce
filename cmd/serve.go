package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, conversion workers and retention sweeper",
		Long: `Starts the HTTP API, a pool of conversion workers consuming the job
queue, and the periodic sweep that expires artifacts past their retention
window. SIGINT or SIGTERM drains everything and exits.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := resolve(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appInstance, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := appInstance.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("close application services", zap.Error(cerr))
		}
	}()

	apiServer := appInstance.Server()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	srv.RegisterOnShutdown(apiServer.CloseStreams)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return appInstance.Dispatcher().Run(gctx)
	})
	g.Go(func() error {
		return appInstance.Sweeper().Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
