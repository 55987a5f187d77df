package engine

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/syncq/internal/model"
	"github.com/roach88/syncq/internal/store"
)

const (
	// DefaultKey is the store key holding the serialized queue.
	DefaultKey = "syncq:queue"

	// DefaultLeaseTTL bounds how long a claimed operation may stay in progress
	// before the next ProcessNext reclaims it.
	DefaultLeaseTTL = 2 * time.Minute
)

// Listener receives a full copy of the queue after every mutation.
type Listener func(ops []model.SyncOperation)

// Engine owns the ordered list of buffered operations.
//
// Thread-safety model:
//   - All methods are safe for concurrent use.
//   - Mutations and their snapshot write happen under one mutex, so the
//     store sees snapshots in mutation order.
//   - Listeners run after the mutex is released and may call back into the
//     engine. Snapshots are delivered in commit order.
//   - When the store supports locking, Initialize makes this engine the only
//     writer of its key until Close.
type Engine struct {
	kv                store.KV
	key               string
	logger            *slog.Logger
	ids               IDGenerator
	now               func() time.Time
	leaseTTL          time.Duration
	defaultMaxRetries int
	readOnly          bool

	mu         sync.Mutex
	ops        []model.SyncOperation
	clock      *Clock
	claim      *claim
	claimSeq   int64
	listeners  []listenerEntry
	nextSubID  int
	release    func() error
	writeBlock *QueueError

	outboxMu   sync.Mutex
	outbox     []delivery
	delivering bool
}

// claim is the single in-flight processing slot.
type claim struct {
	id       string
	token    string
	deadline time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithKey sets the store key the snapshot is written under.
func WithKey(key string) Option {
	return func(e *Engine) {
		if strings.TrimSpace(key) != "" {
			e.key = key
		}
	}
}

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithIDGenerator overrides UUIDv7 id allocation (for testing).
func WithIDGenerator(gen IDGenerator) Option {
	return func(e *Engine) {
		if gen != nil {
			e.ids = gen
		}
	}
}

// WithNow overrides the wall clock used for timestamps and leases.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLeaseTTL sets the claim lease. Zero or negative disables expiry.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.leaseTTL = ttl
	}
}

// WithDefaultMaxRetries sets the ceiling used when Enqueue is not given one.
func WithDefaultMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultMaxRetries = n
		}
	}
}

// WithReadOnly opens the queue for inspection only. Initialize neither takes
// the store lock nor rewrites the snapshot, and every mutation fails with
// READ_ONLY.
func WithReadOnly() Option {
	return func(e *Engine) {
		e.readOnly = true
	}
}

// New creates an Engine backed by kv. Call Initialize before relying on
// previously persisted state.
func New(kv store.KV, opts ...Option) *Engine {
	e := &Engine{
		kv:                kv,
		key:               DefaultKey,
		logger:            slog.Default(),
		ids:               UUIDv7Generator{},
		now:               time.Now,
		leaseTTL:          DefaultLeaseTTL,
		defaultMaxRetries: model.DefaultMaxRetries,
		ops:               make([]model.SyncOperation, 0),
		clock:             NewClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.readOnly {
		e.writeBlock = &QueueError{Code: ErrCodeReadOnly, Message: "queue opened read-only"}
	}
	return e
}

// Initialize loads the persisted snapshot into memory.
//
// A missing snapshot yields an empty queue. A snapshot that cannot be read
// or parsed is discarded: the queue starts empty and a SNAPSHOT_DISCARDED
// error is returned so callers know buffered mutations were lost.
//
// Operations stored as in_progress belonged to a previous owner that can no
// longer finish them; they are returned to pending. A read-only engine shows
// them as stored.
//
// If the store implements store.Locker, Initialize first takes ownership of
// the key. When another engine or process owns it, Initialize returns LOCKED,
// loads nothing, and every later mutation fails with the same error.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()

	if err := e.acquireLocked(ctx); err != nil {
		e.mu.Unlock()
		return err
	}

	raw, ok, err := e.kv.Get(ctx, e.key)
	if err != nil {
		return e.discardLocked(ctx, "snapshot could not be read", err)
	}
	if !ok {
		e.resetLocked()
		e.logger.Info("sync queue initialized", "key", e.key, "operations", 0)
		e.publishLocked()
		e.mu.Unlock()
		e.deliver()
		return nil
	}

	var ops []model.SyncOperation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		return e.discardLocked(ctx, "snapshot could not be parsed", err)
	}
	if ops == nil {
		ops = make([]model.SyncOperation, 0)
	}

	var maxSeq int64
	for _, op := range ops {
		maxSeq = max(maxSeq, op.Seq)
	}
	now := e.now()
	recovered := 0
	for i := range ops {
		if ops[i].Seq == 0 {
			maxSeq++
			ops[i].Seq = maxSeq
		}
		ops[i].ClaimToken = ""
		if ops[i].Status == model.StatusInProgress && !e.readOnly {
			ops[i].Status = model.StatusPending
			ops[i].UpdatedAt = now
			recovered++
		}
	}
	sortOperations(ops)

	e.ops = ops
	e.clock = NewClockAt(maxSeq)
	e.claim = nil

	var persistErr error
	if recovered > 0 {
		e.logger.Warn("returned interrupted operations to pending", "key", e.key, "count", recovered)
		persistErr = e.persistLocked(ctx)
	}
	e.logger.Info("sync queue initialized", "key", e.key, "operations", len(ops))

	e.publishLocked()
	e.mu.Unlock()
	e.deliver()
	return persistErr
}

// acquireLocked takes the store lock for e.key once per engine.
func (e *Engine) acquireLocked(ctx context.Context) error {
	if e.readOnly || e.release != nil {
		return nil
	}
	locker, ok := e.kv.(store.Locker)
	if !ok {
		return nil
	}
	release, err := locker.Lock(ctx, e.key)
	if err != nil {
		qe := &QueueError{
			Code:    ErrCodeLocked,
			Message: "queue " + e.key + " is owned by another process",
			Err:     err,
		}
		if !errors.Is(err, store.ErrLocked) {
			qe.Message = "could not take ownership of queue " + e.key
		}
		e.writeBlock = qe
		e.logger.Error("sync queue not owned; mutations disabled", "key", e.key, "error", err)
		return qe
	}
	e.release = release
	e.writeBlock = nil
	return nil
}

// Close gives up ownership of the store key. It does not close the store.
// The engine stays readable; mutations fail with LOCKED afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.release == nil {
		return nil
	}
	err := e.release()
	e.release = nil
	e.claim = nil
	e.writeBlock = &QueueError{Code: ErrCodeLocked, Message: "queue " + e.key + " closed"}
	return err
}

// writableLocked reports why the engine must not mutate, if it must not.
func (e *Engine) writableLocked() error {
	if e.writeBlock == nil {
		return nil
	}
	return e.writeBlock
}

// discardLocked resets to an empty queue after a failed load and unlocks.
func (e *Engine) discardLocked(ctx context.Context, reason string, cause error) error {
	e.logger.Error("DATA LOSS: discarding buffered sync operations",
		"key", e.key,
		"reason", reason,
		"error", cause,
	)
	e.resetLocked()
	e.publishLocked()
	e.mu.Unlock()
	e.deliver()
	return &QueueError{
		Code:    ErrCodeSnapshotDiscarded,
		Message: reason + "; queue reset to empty",
		Err:     cause,
	}
}

func (e *Engine) resetLocked() {
	e.ops = make([]model.SyncOperation, 0)
	e.clock = NewClock()
	e.claim = nil
}

// EnqueueOption adjusts a single Enqueue call.
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	priority   model.SyncPriority
	maxRetries int
}

// WithPriority sets the operation priority. Defaults to PriorityMedium.
func WithPriority(p model.SyncPriority) EnqueueOption {
	return func(c *enqueueConfig) { c.priority = p }
}

// WithMaxRetries sets the retry ceiling for this operation.
func WithMaxRetries(n int) EnqueueOption {
	return func(c *enqueueConfig) { c.maxRetries = n }
}

// Enqueue appends a new pending operation and returns its id.
//
// No deduplication is performed: identical calls create independent
// operations. If only the snapshot write fails, the id is returned together
// with a PERSIST_FAILED error and the operation stays queued.
func (e *Engine) Enqueue(
	ctx context.Context,
	dataType model.DataType,
	kind model.OperationKind,
	table string,
	data json.RawMessage,
	opts ...EnqueueOption,
) (string, error) {
	cfg := enqueueConfig{priority: model.PriorityMedium, maxRetries: e.defaultMaxRetries}
	for _, opt := range opts {
		opt(&cfg)
	}

	switch {
	case strings.TrimSpace(string(dataType)) == "":
		return "", newInvalidArgument("data type is required")
	case !kind.Valid():
		return "", newInvalidArgument("unknown operation %q", kind)
	case strings.TrimSpace(table) == "":
		return "", newInvalidArgument("table is required")
	case !cfg.priority.Valid():
		return "", newInvalidArgument("priority %d out of range", int(cfg.priority))
	case cfg.maxRetries < 0:
		return "", newInvalidArgument("max retries must not be negative")
	}
	payload, err := normalizePayload(data)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if err := e.writableLocked(); err != nil {
		e.mu.Unlock()
		return "", err
	}
	now := e.now()
	op := model.SyncOperation{
		ID:         e.ids.Generate(),
		DataType:   dataType,
		Operation:  kind,
		Table:      table,
		Data:       payload,
		Priority:   cfg.priority,
		Status:     model.StatusPending,
		RetryCount: 0,
		MaxRetries: cfg.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		Seq:        e.clock.Next(),
	}
	e.ops = append(e.ops, op)
	sortOperations(e.ops)

	err = e.commitLocked(ctx)
	e.mu.Unlock()
	e.deliver()

	e.logger.Debug("operation enqueued",
		"id", op.ID,
		"data_type", dataType,
		"operation", kind,
		"table", table,
		"priority", cfg.priority.String(),
	)
	return op.ID, err
}

// PendingOperations returns pending operations in processing order.
func (e *Engine) PendingOperations() []model.SyncOperation {
	return e.OperationsByStatus(model.StatusPending)
}

// OperationsByStatus returns operations with exactly the given status.
func (e *Engine) OperationsByStatus(status model.SyncStatus) []model.SyncOperation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.SyncOperation, 0)
	for _, op := range e.ops {
		if op.Status == status {
			out = append(out, op.Clone())
		}
	}
	return out
}

// QueueCount returns the number of pending or failed operations, the figure
// shown to users as "unsynced items".
func (e *Engine) QueueCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, op := range e.ops {
		if op.Unsynced() {
			n++
		}
	}
	return n
}

// AllOperations returns a copy of the whole queue.
func (e *Engine) AllOperations() []model.SyncOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.CloneAll(e.ops)
}

// Get returns a copy of one operation.
func (e *Engine) Get(id string) (model.SyncOperation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i := e.indexLocked(id); i >= 0 {
		return e.ops[i].Clone(), true
	}
	return model.SyncOperation{}, false
}

// UpdateOperationStatus records an outcome for an operation.
//
// Unknown ids are ignored. A non-empty errMsg replaces the stored error.
// A non-nil conflict forces the status to conflict regardless of the
// requested status. Landing on failed increments the retry count.
func (e *Engine) UpdateOperationStatus(
	ctx context.Context,
	id string,
	status model.SyncStatus,
	errMsg string,
	conflict *model.ConflictData,
) error {
	if !status.Valid() {
		return newInvalidArgument("unknown status %q", status)
	}

	e.mu.Lock()
	if err := e.writableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		e.logger.Debug("status update for unknown operation ignored", "id", id, "status", status)
		return nil
	}

	e.setStatusLocked(i, status, errMsg, conflict)

	err := e.commitLocked(ctx)
	e.mu.Unlock()
	e.deliver()
	return err
}

// RemoveOperation deletes an operation. Removing an unknown id is a no-op.
func (e *Engine) RemoveOperation(ctx context.Context, id string) error {
	e.mu.Lock()
	if err := e.writableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return nil
	}
	e.ops = slices.Delete(e.ops, i, i+1)

	err := e.commitLocked(ctx)
	e.mu.Unlock()
	e.deliver()
	return err
}

// ClearCompleted removes every completed operation in one pass and returns
// how many were removed.
func (e *Engine) ClearCompleted(ctx context.Context) (int, error) {
	e.mu.Lock()
	if err := e.writableLocked(); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	before := len(e.ops)
	e.ops = slices.DeleteFunc(e.ops, func(op model.SyncOperation) bool {
		return op.Status == model.StatusCompleted
	})
	removed := before - len(e.ops)

	err := e.commitLocked(ctx)
	e.mu.Unlock()
	e.deliver()
	return removed, err
}

// RetryFailedOperations returns failed operations below their retry ceiling
// to pending. Operations at the ceiling stay failed. The snapshot is written
// once for the whole batch.
func (e *Engine) RetryFailedOperations(ctx context.Context) (int, error) {
	e.mu.Lock()
	if err := e.writableLocked(); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	now := e.now()
	reset := 0
	for i := range e.ops {
		if e.ops[i].CanRetry() {
			e.ops[i].Status = model.StatusPending
			e.ops[i].UpdatedAt = now
			reset++
		}
	}

	err := e.commitLocked(ctx)
	e.mu.Unlock()
	e.deliver()
	return reset, err
}

// FailPermanently marks an operation failed with its retry budget
// exhausted, so RetryFailedOperations leaves it alone. Unknown ids are
// ignored.
func (e *Engine) FailPermanently(ctx context.Context, id, errMsg string) error {
	e.mu.Lock()
	if err := e.writableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return nil
	}
	e.exhaustLocked(i, errMsg)

	err := e.commitLocked(ctx)
	e.mu.Unlock()
	e.deliver()
	return err
}

// ResetOperation manually returns a failed or conflicted operation to
// pending with a fresh retry budget.
func (e *Engine) ResetOperation(ctx context.Context, id string) error {
	e.mu.Lock()
	if err := e.writableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return newNotFound(id)
	}
	op := &e.ops[i]
	if op.Status != model.StatusFailed && op.Status != model.StatusConflict {
		status := op.Status
		e.mu.Unlock()
		return &QueueError{
			Code:        ErrCodeInvalidArgument,
			Message:     "only failed or conflicted operations can be reset, operation is " + string(status),
			OperationID: id,
		}
	}
	op.Status = model.StatusPending
	op.RetryCount = 0
	op.Error = ""
	op.ConflictData = nil
	op.ClaimToken = ""
	op.UpdatedAt = e.now()

	err := e.commitLocked(ctx)
	e.mu.Unlock()
	e.deliver()
	return err
}

// ResolveConflict replaces an operation's payload with a resolved value and
// returns it to pending. Valid for conflicted operations and for the
// operation currently claimed by the driver.
func (e *Engine) ResolveConflict(ctx context.Context, id string, resolved json.RawMessage) error {
	payload, err := normalizePayload(resolved)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if err := e.writableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return newNotFound(id)
	}
	if status := e.ops[i].Status; status != model.StatusConflict && status != model.StatusInProgress {
		e.mu.Unlock()
		return &QueueError{
			Code:        ErrCodeInvalidArgument,
			Message:     "operation is not in conflict, operation is " + string(status),
			OperationID: id,
		}
	}
	e.requeueLocked(i, payload)

	err = e.commitLocked(ctx)
	e.mu.Unlock()
	e.deliver()
	return err
}

// Stats summarizes the queue by status.
type Stats struct {
	Total      int  `json:"total"`
	Pending    int  `json:"pending"`
	InProgress int  `json:"in_progress"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	Conflict   int  `json:"conflict"`
	Unsynced   int  `json:"unsynced"`
	Processing bool `json:"processing"`
}

// Stats returns per-status counts.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return countStats(e.ops, e.claim != nil)
}

func countStats(ops []model.SyncOperation, processing bool) Stats {
	s := Stats{Total: len(ops), Processing: processing}
	for _, op := range ops {
		switch op.Status {
		case model.StatusPending:
			s.Pending++
		case model.StatusInProgress:
			s.InProgress++
		case model.StatusCompleted:
			s.Completed++
		case model.StatusFailed:
			s.Failed++
		case model.StatusConflict:
			s.Conflict++
		}
		if op.Unsynced() {
			s.Unsynced++
		}
	}
	return s
}

// Flush rewrites the current snapshot. Drivers call it after a
// PERSIST_FAILED error once storage is reachable again.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writableLocked(); err != nil {
		return err
	}
	return e.persistLocked(ctx)
}

// setStatusLocked applies an UpdateOperationStatus to e.ops[i]. Any status
// change ends the claim the operation was held under.
func (e *Engine) setStatusLocked(i int, status model.SyncStatus, errMsg string, conflict *model.ConflictData) {
	op := &e.ops[i]
	op.Status = status
	op.ClaimToken = ""
	op.UpdatedAt = e.now()
	if errMsg != "" {
		op.Error = errMsg
	}
	if conflict != nil {
		op.Status = model.StatusConflict
		op.ConflictData = conflict.Clone()
	}
	if op.Status != model.StatusConflict {
		op.ConflictData = nil
	}
	if op.Status == model.StatusFailed {
		op.RetryCount++
	}
}

// exhaustLocked fails e.ops[i] with its retry budget used up.
func (e *Engine) exhaustLocked(i int, errMsg string) {
	op := &e.ops[i]
	op.Status = model.StatusFailed
	op.RetryCount = max(op.RetryCount+1, op.MaxRetries)
	op.ConflictData = nil
	op.ClaimToken = ""
	op.UpdatedAt = e.now()
	if errMsg != "" {
		op.Error = errMsg
	}
}

// requeueLocked replaces the payload of e.ops[i] and makes it pending.
func (e *Engine) requeueLocked(i int, payload json.RawMessage) {
	op := &e.ops[i]
	op.Data = payload
	op.Status = model.StatusPending
	op.Error = ""
	op.ConflictData = nil
	op.ClaimToken = ""
	op.UpdatedAt = e.now()
}

func (e *Engine) indexLocked(id string) int {
	return slices.IndexFunc(e.ops, func(op model.SyncOperation) bool {
		return op.ID == id
	})
}

// commitLocked persists the queue and queues the listener delivery.
func (e *Engine) commitLocked(ctx context.Context) error {
	err := e.persistLocked(ctx)
	e.publishLocked()
	return err
}

func (e *Engine) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(e.ops)
	if err != nil {
		e.logger.Error("failed to encode sync queue", "key", e.key, "error", err)
		return newPersistError(err)
	}
	if err := e.kv.Set(ctx, e.key, string(data)); err != nil {
		e.logger.Error("failed to persist sync queue",
			"key", e.key,
			"operations", len(e.ops),
			"error", err,
		)
		return newPersistError(err)
	}
	return nil
}

// sortOperations orders by priority, then insertion sequence.
func sortOperations(ops []model.SyncOperation) {
	slices.SortStableFunc(ops, func(a, b model.SyncOperation) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}

// normalizePayload validates and copies a payload. A nil payload is stored
// as JSON null.
func normalizePayload(data json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, newInvalidArgument("payload is not valid JSON")
	}
	return bytes.Clone(data), nil
}
