package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ledgersync/internal/app"
	"ledgersync/internal/cli"
	apphttp "ledgersync/internal/http"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler and the local API",
		Long: `Run the background scheduler, the connectivity monitor and the local JSON
API. Local edits are synced shortly after they are made and again whenever
the network comes back.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := cli.Bootstrap(cmd.Context(), os.Stdout, app.Options{})
	if err != nil {
		return err
	}
	logger := a.Logger

	srv := apphttp.NewServer(a.Config.HTTPAddr, apphttp.Deps{
		Entities:          a.Entities,
		Pending:           a.Queue,
		Syncer:            a.Scheduler,
		Runs:              a.Repo,
		Network:           a.Monitor,
		Logger:            logger,
		SyncRatePerMinute: a.Config.SyncRatePerMinute,
	})
	srv.ReadTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	parent, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	ctx, done := cli.GracefulShutdown(parent, logger, shutdownTimeout, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		if err := a.Stop(shutdownCtx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	})

	if err := a.Start(ctx); err != nil {
		cancel()
		<-done
		return err
	}

	logger.Info("Starting ledgersync",
		"addr", a.Config.HTTPAddr,
		"backend", a.Config.RemoteBackend,
		"events", a.Events != nil)

	serveErr := srv.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	if serveErr != nil {
		logger.Error("Server error", "error", serveErr, "addr", a.Config.HTTPAddr)
		cancel()
	}

	cli.WaitForShutdown(ctx, done)
	return serveErr
}
