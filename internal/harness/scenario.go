package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/syncq/internal/model"
)

// Scenario is a scripted sequence of queue calls with expectations.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// MaxRetries is the engine default ceiling. Zero means model.DefaultMaxRetries.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// LeaseTTL bounds claims, e.g. "2m". Empty means the engine default.
	LeaseTTL string `yaml:"lease_ttl,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one queue call. Which fields apply depends on Action.
type Step struct {
	Action string `yaml:"action"`

	// enqueue
	DataType   string `yaml:"data_type,omitempty"`
	Operation  string `yaml:"operation,omitempty"`
	Table      string `yaml:"table,omitempty"`
	Data       any    `yaml:"data,omitempty"`
	Priority   string `yaml:"priority,omitempty"`
	MaxRetries *int   `yaml:"max_retries,omitempty"`

	// update, remove, reset
	ID       string         `yaml:"id,omitempty"`
	Status   string         `yaml:"status,omitempty"`
	Error    string         `yaml:"error,omitempty"`
	Conflict *ConflictInput `yaml:"conflict,omitempty"`

	// advance
	Duration string `yaml:"duration,omitempty"`

	Expect *StepExpect `yaml:"expect,omitempty"`
}

// ConflictInput is the conflict payload passed to an update step.
type ConflictInput struct {
	Local  any `yaml:"local"`
	Server any `yaml:"server"`
}

// StepExpect checks a step's outcome. Empty fields are not checked.
type StepExpect struct {
	// ID is the id the step produced or claimed.
	ID string `yaml:"id,omitempty"`

	// Result is the step's summary, e.g. "empty" or "requeued:1".
	Result string `yaml:"result,omitempty"`

	// Error is the queue error code the step must fail with.
	Error string `yaml:"error,omitempty"`
}

// Assertion checks the queue after the last step.
type Assertion struct {
	// Type is one of status, queue_count, total, pending_order.
	Type string `yaml:"type"`

	// status
	ID         string `yaml:"id,omitempty"`
	Status     string `yaml:"status,omitempty"`
	RetryCount *int   `yaml:"retry_count,omitempty"`

	// queue_count, total
	Count *int `yaml:"count,omitempty"`

	// pending_order
	IDs []string `yaml:"ids,omitempty"`
}

// Step actions.
const (
	ActionEnqueue        = "enqueue"
	ActionProcessNext    = "process_next"
	ActionComplete       = "complete"
	ActionUpdate         = "update"
	ActionRetry          = "retry"
	ActionClearCompleted = "clear_completed"
	ActionRemove         = "remove"
	ActionReset          = "reset"
	ActionAdvance        = "advance"
)

// Assertion types.
const (
	AssertStatus       = "status"
	AssertQueueCount   = "queue_count"
	AssertTotal        = "total"
	AssertPendingOrder = "pending_order"
)

// LoadScenario reads a scenario file. Unknown fields are rejected so typos
// surface as errors instead of silently skipped steps.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", s.MaxRetries)
	}
	if s.LeaseTTL != "" {
		if _, err := time.ParseDuration(s.LeaseTTL); err != nil {
			return fmt.Errorf("lease_ttl: %w", err)
		}
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	switch step.Action {
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	case ActionEnqueue:
		if step.Priority != "" {
			if _, err := model.ParsePriority(step.Priority); err != nil {
				return fmt.Errorf("steps[%d]: %w", index, err)
			}
		}
	case ActionUpdate:
		if step.ID == "" {
			return fmt.Errorf("steps[%d]: id is required for update", index)
		}
		if _, err := model.ParseStatus(step.Status); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case ActionRemove, ActionReset:
		if step.ID == "" {
			return fmt.Errorf("steps[%d]: id is required for %s", index, step.Action)
		}
	case ActionAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return fmt.Errorf("steps[%d]: duration: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d]: duration must be positive", index)
		}
	case ActionProcessNext, ActionComplete, ActionRetry, ActionClearCompleted:
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertStatus:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for status", index)
		}
		if _, err := model.ParseStatus(a.Status); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertQueueCount, AssertTotal:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	case AssertPendingOrder:
		if a.IDs == nil {
			return fmt.Errorf("assertions[%d]: ids list is required for pending_order", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
