package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/syncq/internal/conflict"
	"github.com/roach88/syncq/internal/driver"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	BaseURL string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued operations against the backend once",
		Long: `Run one drain: requeue retryable failures, then replay pending operations
in priority order until the queue is empty or the backend is unreachable.

Conflicts are settled with the configured conflict policy
(conflict.policy_file) or the built-in defaults.

Exit codes:
  0 - Drain finished
  1 - Drain stopped on an error
  2 - Command error (no backend configured, bad policy file, etc.)

Examples:
  syncq sync --base-url https://api.example.com/v1
  SYNCQ_DRIVER_BASE_URL=https://api.example.com/v1 syncq sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "backend REST root (overrides driver.base_url)")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.BaseURL != "" {
		s.cfg.Driver.BaseURL = opts.BaseURL
	}
	d, _, err := newSyncDriver(s, nil)
	if err != nil {
		return err
	}

	report, err := d.Drain(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "drain failed", err)
	}

	text := fmt.Sprintf("claimed=%d completed=%d accepted_server=%d resolved=%d conflicts=%d failed=%d rejected=%d deferred=%d cleared=%d remaining=%d",
		report.Claimed, report.Completed, report.Accepted, report.Resolved, report.Conflicts,
		report.Failed, report.Rejected, report.Deferred, report.Cleared, s.queue.QueueCount())
	return newFormatter(cmd, opts.RootOptions).Success(report, text)
}

// newSyncDriver wires the HTTP mutator, conflict policy and driver options
// from the session config. observer may be nil.
func newSyncDriver(s *session, observer driver.Observer) (*driver.Driver, *driver.HTTPMutator, error) {
	dc := s.cfg.Driver
	if strings.TrimSpace(dc.BaseURL) == "" {
		return nil, nil, NewExitError(ExitCommandError, "no backend configured: set driver.base_url or --base-url")
	}

	policy := conflict.DefaultPolicy()
	if s.cfg.Conflict.PolicyFile != "" {
		p, err := conflict.LoadPolicy(s.cfg.Conflict.PolicyFile)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to load conflict policy", err)
		}
		policy = p
	}

	headers := map[string]string{}
	if dc.AuthToken != "" {
		headers["Authorization"] = "Bearer " + dc.AuthToken
	}
	mutator, err := driver.NewHTTPMutator(driver.HTTPConfig{
		BaseURL: dc.BaseURL,
		IDField: dc.IDField,
		Timeout: dc.RequestTimeout,
		Headers: headers,
		Breaker: driver.BreakerConfig{
			MaxRequests:         dc.Breaker.MaxRequests,
			Interval:            dc.Breaker.Interval,
			Timeout:             dc.Breaker.Timeout,
			ConsecutiveFailures: dc.Breaker.ConsecutiveFailures,
		},
	}, s.logger)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid driver config", err)
	}

	opts := []driver.Option{
		driver.WithClassifier(conflict.NewClassifier(policy)),
		driver.WithLogger(s.logger),
		driver.WithClearCompleted(dc.ClearCompleted),
		driver.WithMaxBatch(dc.MaxBatch),
	}
	if observer != nil {
		opts = append(opts, driver.WithObserver(observer))
	}
	return driver.New(s.queue, mutator, opts...), mutator, nil
}
