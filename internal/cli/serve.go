package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/syncq/internal/driver"
	"github.com/roach88/syncq/internal/httpapi"
	"github.com/roach88/syncq/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string

	// Listener overrides the TCP listener (for testing).
	Listener net.Listener
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue with its HTTP API and scheduled sync",
		Long: `Open the queue, serve the HTTP API and metrics, and drain the queue on
driver.schedule and on POST /api/v1/sync/trigger.

Without driver.base_url the API runs without a sync driver and the
trigger endpoint answers 503.

Example:
  syncq serve --config syncq.yaml
  SYNCQ_STORE_DSN=redis://localhost:6379/0 syncq serve --addr :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()
	logger := s.logger

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector()
	if err := collector.Register(reg); err != nil {
		return WrapExitError(ExitCommandError, "failed to register metrics", err)
	}
	unsubscribe := s.queue.Subscribe(collector.Observe)
	defer unsubscribe()

	handlerOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(metrics.Handler(reg)),
	}

	schedulerDone := make(chan struct{})
	if s.cfg.Driver.BaseURL != "" {
		d, _, err := newSyncDriver(s, collector)
		if err != nil {
			return err
		}
		sched, err := driver.NewScheduler(d, s.cfg.Driver.Schedule, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid driver.schedule", err)
		}
		handlerOpts = append(handlerOpts, httpapi.WithTrigger(sched.Trigger), httpapi.WithLastDrain(sched.Last))
		go func() {
			defer close(schedulerDone)
			_ = sched.Run(ctx)
		}()
		// Replay whatever survived the last run straight away.
		sched.Trigger()
	} else {
		logger.Warn("driver.base_url not set, serving without a sync driver")
		close(schedulerDone)
	}

	addr := s.cfg.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	srv := httpapi.NewServer(addr, httpapi.NewHandler(s.queue, handlerOpts...), s.cfg.HTTP.ReadTimeout, s.cfg.HTTP.WriteTimeout)

	ln := opts.Listener
	if ln == nil {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	logger.Info("serving", "addr", ln.Addr().String(), "store", redactDSN(s.cfg.Store.DSN))
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", ln.Addr())

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = WrapExitError(ExitFailure, "http server error", err)
		}
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	<-schedulerDone

	if err := s.queue.Flush(shutdownCtx); err != nil {
		logger.Error("final flush failed", "error", err)
	}
	logger.Info("stopped gracefully")
	return runErr
}
