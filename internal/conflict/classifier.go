package conflict

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/roach88/syncq/internal/model"
)

// Outcome is the classifier's verdict.
type Outcome string

const (
	OutcomeIdentical    Outcome = "identical"
	OutcomeAcceptServer Outcome = "accept_server"
	OutcomeResolved     Outcome = "resolved"
	OutcomeConflict     Outcome = "conflict"
)

// Resolution is the result of classifying one divergence.
type Resolution struct {
	Outcome  Outcome  `json:"outcome"`
	Strategy Strategy `json:"strategy"`

	// Value is the payload to replay when Outcome is resolved, and the
	// server value for identical and accept_server.
	Value json.RawMessage `json:"value,omitempty"`

	// Reason explains a conflict outcome.
	Reason string `json:"reason,omitempty"`
}

// Classifier applies a Policy. It holds no mutable state and is safe for
// concurrent use.
type Classifier struct {
	policy Policy
}

// NewClassifier creates a classifier for p.
func NewClassifier(p Policy) *Classifier {
	p.applyDefaults()
	return &Classifier{policy: p}
}

// Classify decides how to reconcile local with server for dataType.
//
// Payloads that are canonically equal are always identical, whatever the
// strategy. An error is returned only when a payload is not valid JSON.
func (c *Classifier) Classify(dataType model.DataType, local, server json.RawMessage) (Resolution, error) {
	if !json.Valid(local) {
		return Resolution{}, fmt.Errorf("classify %s: local payload is not valid JSON", dataType)
	}
	if !json.Valid(server) {
		return Resolution{}, fmt.Errorf("classify %s: server payload is not valid JSON", dataType)
	}

	strategy := c.policy.StrategyFor(dataType)
	if model.SamePayload(local, server) {
		return Resolution{Outcome: OutcomeIdentical, Strategy: strategy, Value: server}, nil
	}

	switch strategy {
	case ServerWins:
		return acceptServer(strategy, server), nil
	case ClientWins:
		return resolved(strategy, local, server), nil
	case LastWriteWins:
		return c.lastWriteWins(local, server), nil
	case Merge:
		return mergeObjects(local, server)
	default:
		return conflictOf(strategy, "manual resolution required"), nil
	}
}

func acceptServer(s Strategy, server json.RawMessage) Resolution {
	return Resolution{Outcome: OutcomeAcceptServer, Strategy: s, Value: server}
}

// resolved reports value for replay, unless it already equals the server
// state.
func resolved(s Strategy, value, server json.RawMessage) Resolution {
	if model.SamePayload(value, server) {
		return acceptServer(s, server)
	}
	return Resolution{Outcome: OutcomeResolved, Strategy: s, Value: value}
}

func conflictOf(s Strategy, reason string) Resolution {
	return Resolution{Outcome: OutcomeConflict, Strategy: s, Reason: reason}
}

func (c *Classifier) lastWriteWins(local, server json.RawMessage) Resolution {
	field := c.policy.TimestampField
	lt, err := readTimestamp(local, field)
	if err != nil {
		return conflictOf(LastWriteWins, "local "+err.Error())
	}
	st, err := readTimestamp(server, field)
	if err != nil {
		return conflictOf(LastWriteWins, "server "+err.Error())
	}
	if lt.kind != st.kind {
		return conflictOf(LastWriteWins, fmt.Sprintf("%s is a %s locally but a %s on the server", field, lt.kind, st.kind))
	}

	switch lt.compare(st) {
	case 1:
		return resolved(LastWriteWins, local, server)
	case -1:
		return acceptServer(LastWriteWins, server)
	default:
		return conflictOf(LastWriteWins, fmt.Sprintf("both sides have the same %s", field))
	}
}

type timestamp struct {
	kind string
	num  *big.Float
	at   time.Time
}

func (t timestamp) compare(o timestamp) int {
	if t.kind == "number" {
		return t.num.Cmp(o.num)
	}
	return t.at.Compare(o.at)
}

// readTimestamp extracts field as either a JSON number or an RFC 3339 string.
func readTimestamp(payload json.RawMessage, field string) (timestamp, error) {
	v, err := model.DecodeJSON(payload)
	if err != nil {
		return timestamp{}, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return timestamp{}, fmt.Errorf("payload is not an object")
	}
	switch ts := obj[field].(type) {
	case json.Number:
		f, _, err := big.ParseFloat(ts.String(), 10, 128, big.ToNearestEven)
		if err != nil {
			return timestamp{}, fmt.Errorf("%s: %w", field, err)
		}
		return timestamp{kind: "number", num: f}, nil
	case string:
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return timestamp{}, fmt.Errorf("%s is not RFC 3339: %q", field, ts)
		}
		return timestamp{kind: "time", at: at}, nil
	case nil:
		return timestamp{}, fmt.Errorf("payload has no %s", field)
	default:
		return timestamp{}, fmt.Errorf("%s has unsupported type %T", field, ts)
	}
}

// mergeObjects overlays local keys onto the server object. Only top-level
// keys are merged.
func mergeObjects(local, server json.RawMessage) (Resolution, error) {
	lv, err := model.DecodeJSON(local)
	if err != nil {
		return Resolution{}, err
	}
	sv, err := model.DecodeJSON(server)
	if err != nil {
		return Resolution{}, err
	}
	lobj, lok := lv.(map[string]any)
	sobj, sok := sv.(map[string]any)
	if !lok || !sok {
		return conflictOf(Merge, "merge needs JSON objects on both sides"), nil
	}

	merged := make(map[string]any, len(sobj)+len(lobj))
	for k, v := range sobj {
		merged[k] = v
	}
	for k, v := range lobj {
		merged[k] = v
	}
	out, err := model.MarshalCanonical(merged)
	if err != nil {
		return Resolution{}, fmt.Errorf("merge: %w", err)
	}
	return resolved(Merge, out, server), nil
}
