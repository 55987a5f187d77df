package conflict

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/syncq/internal/model"
)

// Strategy names a resolution rule.
type Strategy string

const (
	ServerWins    Strategy = "server_wins"
	ClientWins    Strategy = "client_wins"
	LastWriteWins Strategy = "last_write_wins"
	Merge         Strategy = "merge"
	Manual        Strategy = "manual"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{ServerWins, ClientWins, LastWriteWins, Merge, Manual}

func (s Strategy) Valid() bool {
	return slices.Contains(Strategies, s)
}

// DefaultTimestampField is the payload field last_write_wins compares.
const DefaultTimestampField = "updated_at"

// Policy maps data types to strategies.
type Policy struct {
	// Default applies to data types without a rule.
	Default Strategy `yaml:"default" json:"default"`

	// Rules holds per-data-type overrides.
	Rules map[model.DataType]Strategy `yaml:"rules" json:"rules"`

	// TimestampField is read by last_write_wins.
	TimestampField string `yaml:"timestamp_field" json:"timestamp_field"`
}

// DefaultPolicy is used when no policy file is configured.
//
// Check-ins and registrations are append-like records, so both sides are
// merged. Profile and survey edits come from the attendee and win. Event
// definitions are owned by organizers on the server.
func DefaultPolicy() Policy {
	return Policy{
		Default: Manual,
		Rules: map[model.DataType]Strategy{
			model.DataTypeCheckIn:        Merge,
			model.DataTypeRegistration:   Merge,
			model.DataTypeProfile:        ClientWins,
			model.DataTypeEvent:          ServerWins,
			model.DataTypeSurveyResponse: ClientWins,
		},
		TimestampField: DefaultTimestampField,
	}
}

// StrategyFor returns the strategy applied to dataType.
func (p Policy) StrategyFor(dataType model.DataType) Strategy {
	if s, ok := p.Rules[dataType]; ok {
		return s
	}
	if p.Default == "" {
		return Manual
	}
	return p.Default
}

// Validate checks every strategy name.
func (p Policy) Validate() error {
	if p.Default != "" && !p.Default.Valid() {
		return &PolicyError{Field: "default", Message: fmt.Sprintf("unknown strategy %q", p.Default)}
	}
	for dt, s := range p.Rules {
		if strings.TrimSpace(string(dt)) == "" {
			return &PolicyError{Field: "rules", Message: "empty data type"}
		}
		if !s.Valid() {
			return &PolicyError{Field: "rules." + string(dt), Message: fmt.Sprintf("unknown strategy %q", s)}
		}
	}
	return nil
}

func (p *Policy) applyDefaults() {
	if p.Default == "" {
		p.Default = Manual
	}
	if p.TimestampField == "" {
		p.TimestampField = DefaultTimestampField
	}
	if p.Rules == nil {
		p.Rules = make(map[model.DataType]Strategy)
	}
}

// PolicyError reports an invalid policy document.
type PolicyError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *PolicyError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadPolicy reads a policy file. The format follows the extension:
// .cue for CUE, .yaml or .yml for YAML.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return ParseCUEPolicy(data, filepath.Base(path))
	case ".yaml", ".yml":
		return ParseYAMLPolicy(data)
	default:
		return Policy{}, fmt.Errorf("policy %s: unsupported extension (want .cue, .yaml or .yml)", path)
	}
}

// ParseYAMLPolicy decodes a YAML policy. Unknown fields are rejected.
func ParseYAMLPolicy(data []byte) (Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("parse YAML policy: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// policySchema closes the CUE policy document.
const policySchema = `
#Strategy: "server_wins" | "client_wins" | "last_write_wins" | "merge" | "manual"

#Policy: {
	default?:         #Strategy
	timestamp_field?: string
	rules?: [string]: #Strategy
}
`

// ParseCUEPolicy evaluates a CUE policy document against the policy schema.
//
// Example:
//
//	default: "manual"
//	rules: {
//		check_in: "merge"
//		profile:  "client_wins"
//	}
func ParseCUEPolicy(data []byte, filename string) (Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(policySchema, cue.Filename("policy_schema.cue"))
	if err := schema.Err(); err != nil {
		return Policy{}, fmt.Errorf("compile policy schema: %w", err)
	}

	doc := ctx.CompileBytes(data, cue.Filename(filename))
	if err := doc.Err(); err != nil {
		return Policy{}, formatCUEError(err)
	}

	v := schema.LookupPath(cue.ParsePath("#Policy")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Policy{}, formatCUEError(err)
	}

	var raw struct {
		Default        string            `json:"default"`
		TimestampField string            `json:"timestamp_field"`
		Rules          map[string]string `json:"rules"`
	}
	if err := v.Decode(&raw); err != nil {
		return Policy{}, formatCUEError(err)
	}

	p := Policy{
		Default:        Strategy(raw.Default),
		TimestampField: raw.TimestampField,
		Rules:          make(map[model.DataType]Strategy, len(raw.Rules)),
	}
	for dt, s := range raw.Rules {
		p.Rules[model.DataType(dt)] = Strategy(s)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// formatCUEError keeps the first CUE error and its source position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &PolicyError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
