package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/model"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	DataType   string
	Operation  string
	Table      string
	Data       string
	DataFile   string
	Priority   string
	MaxRetries int
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Buffer a mutation for later sync",
		Long: `Add a create, update or delete mutation to the queue.

The payload is JSON given with --data, or read from --data-file ("-" for stdin).

Examples:
  syncq enqueue --type check_in --op create --table check_ins --data '{"attendee_id":"a-1"}' --priority critical
  syncq enqueue --type profile --op update --table profiles --data-file profile.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DataType, "type", "", "data type, e.g. check_in (required)")
	cmd.Flags().StringVar(&opts.Operation, "op", "", "create, update or delete (required)")
	cmd.Flags().StringVar(&opts.Table, "table", "", "backend table (required)")
	cmd.Flags().StringVar(&opts.Data, "data", "", "JSON payload")
	cmd.Flags().StringVar(&opts.DataFile, "data-file", "", `file holding the JSON payload ("-" for stdin)`)
	cmd.Flags().StringVarP(&opts.Priority, "priority", "p", "medium", "critical, high, medium, low or 1-4")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "retry ceiling (0 uses queue.max_retries)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("op")
	_ = cmd.MarkFlagRequired("table")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	kind, err := model.ParseOperationKind(opts.Operation)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --op", err)
	}
	priority, err := model.ParsePriority(opts.Priority)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --priority", err)
	}
	data, err := readPayload(cmd, opts.Data, opts.DataFile)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	enqOpts := []engine.EnqueueOption{engine.WithPriority(priority)}
	if opts.MaxRetries > 0 {
		enqOpts = append(enqOpts, engine.WithMaxRetries(opts.MaxRetries))
	}
	id, err := s.queue.Enqueue(ctx, model.DataType(opts.DataType), kind, opts.Table, data, enqOpts...)
	if err != nil {
		return queueExitError("enqueue failed", err)
	}

	return newFormatter(cmd, opts.RootOptions).Success(map[string]string{"id": id}, id)
}

func readPayload(cmd *cobra.Command, inline, file string) (json.RawMessage, error) {
	switch {
	case file == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read payload from stdin", err)
		}
		return data, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read payload file", err)
		}
		return data, nil
	case inline != "":
		return json.RawMessage(inline), nil
	default:
		return nil, nil
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Status  string
	Pending bool
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in processing order",
		Long: `List operations sorted by priority, then insertion order.

Examples:
  syncq list
  syncq list --status failed
  syncq list --pending --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Status, "status", "s", "", "only operations in this status")
	cmd.Flags().BoolVar(&opts.Pending, "pending", false, "only pending operations")
	cmd.MarkFlagsMutuallyExclusive("status", "pending")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	var status model.SyncStatus
	if opts.Status != "" {
		var err error
		status, err = model.ParseStatus(opts.Status)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --status", err)
		}
	}

	s, err := openSession(commandContext(cmd), cmd, opts.RootOptions, engine.WithReadOnly())
	if err != nil {
		return err
	}
	defer s.Close()

	var ops []model.SyncOperation
	switch {
	case opts.Pending:
		ops = s.queue.PendingOperations()
	case status != "":
		ops = s.queue.OperationsByStatus(status)
	default:
		ops = s.queue.AllOperations()
	}
	return newFormatter(cmd, opts.RootOptions).Operations(ops)
}

// NewCountCommand creates the count command.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of unsynced (pending or failed) operations",
		Long: `Print the number of operations still waiting to reach the backend.

Exit codes:
  0 - Printed the count`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(commandContext(cmd), cmd, rootOpts, engine.WithReadOnly())
			if err != nil {
				return err
			}
			defer s.Close()

			n := s.queue.QueueCount()
			return newFormatter(cmd, rootOpts).Success(map[string]int{"count": n}, fmt.Sprint(n))
		},
	}
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Summarize the queue by status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(commandContext(cmd), cmd, rootOpts, engine.WithReadOnly())
			if err != nil {
				return err
			}
			defer s.Close()

			st := s.queue.Stats()
			text := fmt.Sprintf("total=%d pending=%d in_progress=%d completed=%d failed=%d conflict=%d unsynced=%d",
				st.Total, st.Pending, st.InProgress, st.Completed, st.Failed, st.Conflict, st.Unsynced)
			return newFormatter(cmd, rootOpts).Success(st, text)
		},
	}
}

// UpdateOptions holds flags for the update command.
type UpdateOptions struct {
	*RootOptions
	Error  string
	Local  string
	Server string
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <id> <status>",
		Short: "Record a sync outcome for an operation",
		Long: `Set an operation's status by hand.

Passing --local and --server records a conflict; the status becomes
conflict whatever status was given. Failing an operation counts a retry.

Examples:
  syncq update 0190... failed --error "timeout"
  syncq update 0190... completed --local '{"v":1}' --server '{"v":2}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Error, "error", "", "error message to record")
	cmd.Flags().StringVar(&opts.Local, "local", "", "local JSON value of a conflict")
	cmd.Flags().StringVar(&opts.Server, "server", "", "server JSON value of a conflict")
	cmd.MarkFlagsRequiredTogether("local", "server")

	return cmd
}

func runUpdate(opts *UpdateOptions, id, rawStatus string, cmd *cobra.Command) error {
	status, err := model.ParseStatus(rawStatus)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid status", err)
	}
	var conflict *model.ConflictData
	if opts.Local != "" {
		conflict = &model.ConflictData{
			Local:  json.RawMessage(opts.Local),
			Server: json.RawMessage(opts.Server),
		}
		if !json.Valid(conflict.Local) || !json.Valid(conflict.Server) {
			return NewExitError(ExitCommandError, "--local and --server must be valid JSON")
		}
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, ok := s.queue.Get(id); !ok {
		s.logger.Warn("no such operation, nothing updated", "id", id)
	}
	if err := s.queue.UpdateOperationStatus(ctx, id, status, opts.Error, conflict); err != nil {
		return queueExitError("update failed", err)
	}
	op, _ := s.queue.Get(id)
	return newFormatter(cmd, opts.RootOptions).Success(op, op.String())
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove <id>...",
		Short:         "Delete operations from the queue",
		Long:          "Delete operations by id. Unknown ids are ignored.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			for _, id := range args {
				if err := s.queue.RemoveOperation(ctx, id); err != nil {
					return queueExitError("remove failed", err)
				}
			}
			return newFormatter(cmd, rootOpts).Success(
				map[string][]string{"removed": args},
				"Removed "+strings.Join(args, ", "),
			)
		},
	}
}

// NewClearCompletedCommand creates the clear-completed command.
func NewClearCompletedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "clear-completed",
		Short:         "Drop every completed operation",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.queue.ClearCompleted(ctx)
			if err != nil {
				return queueExitError("clear failed", err)
			}
			return newFormatter(cmd, rootOpts).Success(map[string]int{"removed": n}, fmt.Sprintf("Removed %d completed operation(s)", n))
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "retry",
		Short:         "Requeue failed operations below their retry ceiling",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.queue.RetryFailedOperations(ctx)
			if err != nil {
				return queueExitError("retry failed", err)
			}
			return newFormatter(cmd, rootOpts).Success(map[string]int{"requeued": n}, fmt.Sprintf("Requeued %d operation(s)", n))
		},
	}
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Requeue a failed or conflicted operation with a fresh retry budget",
		Long: `Manually return a failed or conflicted operation to pending.

The retry count, error and conflict data are cleared. Use this for
operations that exhausted their retries or need a human decision.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.queue.ResetOperation(ctx, args[0]); err != nil {
				return queueExitError("reset failed", err)
			}
			return newFormatter(cmd, rootOpts).Success(map[string]string{"reset": args[0]}, "Reset "+args[0])
		},
	}
}

// queueExitError maps queue error codes to exit codes: bad input, unknown
// ids and a queue owned elsewhere are command errors, storage trouble is a
// failure.
func queueExitError(message string, err error) error {
	if engine.IsInvalidArgument(err) || engine.IsNotFound(err) || engine.IsLocked(err) || engine.IsReadOnly(err) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
