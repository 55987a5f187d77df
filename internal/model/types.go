package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxRetries is the retry ceiling applied when enqueue does not set one.
const DefaultMaxRetries = 3

// SyncPriority orders operations for replay. Lower values are served first.
type SyncPriority int

const (
	PriorityCritical SyncPriority = 1
	PriorityHigh     SyncPriority = 2
	PriorityMedium   SyncPriority = 3
	PriorityLow      SyncPriority = 4
)

func (p SyncPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four defined priorities.
func (p SyncPriority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ParsePriority accepts either the name ("critical") or the ordinal ("1").
func ParsePriority(s string) (SyncPriority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		p := SyncPriority(n)
		if !p.Valid() {
			return 0, fmt.Errorf("priority %d out of range 1..4", n)
		}
		return p, nil
	}
	for _, p := range []SyncPriority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// SyncStatus is the lifecycle state of a buffered operation.
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusInProgress SyncStatus = "in_progress"
	StatusCompleted  SyncStatus = "completed"
	StatusFailed     SyncStatus = "failed"
	StatusConflict   SyncStatus = "conflict"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []SyncStatus{
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusConflict,
}

func (s SyncStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus parses a wire status value.
func ParseStatus(s string) (SyncStatus, error) {
	status := SyncStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return status, nil
}

// OperationKind is the mutation a SyncOperation replays.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

func (k OperationKind) Valid() bool {
	return k == OperationCreate || k == OperationUpdate || k == OperationDelete
}

// ParseOperationKind parses a wire operation value.
func ParseOperationKind(s string) (OperationKind, error) {
	kind := OperationKind(strings.ToLower(strings.TrimSpace(s)))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return kind, nil
}

// DataType tags an operation with the domain record it touches. The conflict
// classifier keys its resolution policy on this tag. The set is open: tags
// outside the known list fall through to the classifier's default strategy.
type DataType string

const (
	DataTypeEvent          DataType = "event"
	DataTypeRegistration   DataType = "registration"
	DataTypeCheckIn        DataType = "check_in"
	DataTypeSurveyResponse DataType = "survey_response"
	DataTypeProfile        DataType = "profile"
	DataTypeCertificate    DataType = "certificate"
)

// KnownDataTypes lists the tags the product emits today.
var KnownDataTypes = []DataType{
	DataTypeEvent,
	DataTypeRegistration,
	DataTypeCheckIn,
	DataTypeSurveyResponse,
	DataTypeProfile,
	DataTypeCertificate,
}

// Known reports whether d is one of KnownDataTypes.
func (d DataType) Known() bool {
	return slices.Contains(KnownDataTypes, d)
}

// ConflictData holds both sides of a detected divergence.
type ConflictData struct {
	Local  json.RawMessage `json:"local"`
	Server json.RawMessage `json:"server"`
}

func (c *ConflictData) Clone() *ConflictData {
	if c == nil {
		return nil
	}
	return &ConflictData{
		Local:  cloneRaw(c.Local),
		Server: cloneRaw(c.Server),
	}
}

// SyncOperation is one buffered mutation.
//
// Seq is the insertion sequence assigned by the engine. It breaks ties
// between operations of equal priority so ordering is identical before and
// after a reload.
//
// ClaimToken identifies the claim currently holding an in-progress
// operation. It lives only in memory; a reloaded queue has no live claims.
type SyncOperation struct {
	ID           string          `json:"id"`
	DataType     DataType        `json:"dataType"`
	Operation    OperationKind   `json:"operation"`
	Table        string          `json:"table"`
	Data         json.RawMessage `json:"data"`
	Priority     SyncPriority    `json:"priority"`
	Status       SyncStatus      `json:"status"`
	RetryCount   int             `json:"retryCount"`
	MaxRetries   int             `json:"maxRetries"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	ConflictData *ConflictData   `json:"conflictData,omitempty"`
	Seq          int64           `json:"seq"`
	ClaimToken   string          `json:"-"`
}

// Clone returns a deep copy; payload bytes are not shared with the original.
func (op SyncOperation) Clone() SyncOperation {
	op.Data = cloneRaw(op.Data)
	op.ConflictData = op.ConflictData.Clone()
	return op
}

// CanRetry reports whether a failed operation is still under its ceiling.
func (op SyncOperation) CanRetry() bool {
	return op.Status == StatusFailed && op.RetryCount < op.MaxRetries
}

// Unsynced reports whether the operation counts toward the user-facing
// "unsynced items" badge.
func (op SyncOperation) Unsynced() bool {
	return op.Status == StatusPending || op.Status == StatusFailed
}

func (op SyncOperation) String() string {
	return fmt.Sprintf("[%s] %s %s/%s (%s, retry %d/%d)",
		op.Status, op.ID, op.Operation, op.Table, op.Priority, op.RetryCount, op.MaxRetries)
}

// CloneAll deep-copies a slice of operations.
func CloneAll(ops []SyncOperation) []SyncOperation {
	out := make([]SyncOperation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return bytes.Clone(raw)
}
