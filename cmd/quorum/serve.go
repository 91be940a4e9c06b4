package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quorum/internal/orchestrator"
	"github.com/ShayCichocki/quorum/internal/server"
)

var (
	serveAddr string
	serveOpts runFlags
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP control API for one run",
	Long: `Start an HTTP server that accepts a task, runs it and exposes the
coordination state:

  POST /tasks                  {"task": "...", "start": true}
  GET  /plan /agents /interfaces /blockers /events?since=N /summary
  POST /run/start /run/stop /merge
  POST /subtasks/{id}/cancel /subtasks/{id}/retry`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.addr)")
	serveCmd.Flags().StringVar(&serveOpts.policy, "policy", "", "Scheduling policy: sequential, parallel or smart")
	serveCmd.Flags().IntVar(&serveOpts.maxParallel, "max-parallel", 0, "Maximum subtasks running at once")
	serveCmd.Flags().BoolVar(&serveOpts.noMerge, "no-merge", false, "Wait for POST /merge instead of merging automatically")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	gen, err := a.generator(ctx)
	if err != nil {
		return err
	}
	p, err := a.planner(gen)
	if err != nil {
		return err
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	// Branch names need a run id before any task is submitted.
	ws, err := a.workspaces(ctx, ulid.Make().String())
	if err != nil {
		return err
	}
	o, err := a.orchestrator(p, gen, store, ws, serveOpts)
	if err != nil {
		return err
	}

	addr := a.cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv := server.New(addr, o,
		server.WithLogger(a.logger.With().Str("component", "http").Logger()),
		server.WithBaseContext(ctx),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := srv.Stop(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	if serr := o.Stop(shutdownCtx); serr != nil && !errors.Is(serr, orchestrator.ErrRunTerminal) {
		a.logger.Warn().Err(serr).Msg("stopping run")
	}
	return err
}
