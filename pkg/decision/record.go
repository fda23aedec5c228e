// Package decision turns raw oracle output into a validated decision record.
//
// Extraction is tolerant of prose around the structured block; validation
// always re-derives the task state from the sub-state table, whatever the
// oracle claimed.
package decision

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zen-systems/referralgate/pkg/referral"
)

// ToolResolveProvider is the only tool the oracle may request.
const ToolResolveProvider = "resolve_provider"

// Severity levels for violations.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Record is the normalized decision for one oracle call.
type Record struct {
	SubState     referral.SubState  `json:"sub_state"`
	TaskState    referral.TaskState `json:"task_state"`
	ResponseText string             `json:"response_text"`
	Focus        referral.Category  `json:"focus,omitempty"`
	// Collected maps field keys to the values the oracle says the user gave.
	Collected     map[string]string       `json:"collected,omitempty"`
	ProviderClaim *referral.ProviderClaim `json:"provider_claim,omitempty"`
	ToolCall      *ToolCall               `json:"tool_call,omitempty"`

	// ClaimedTaskState is the oracle's own task state before correction.
	ClaimedTaskState string      `json:"claimed_task_state,omitempty"`
	Corrections      []Violation `json:"corrections,omitempty"`
	// Source records which extraction path produced the record.
	Source string `json:"source"`
}

// ToolCall is a structured tool request embedded in oracle output.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ResolveArguments decodes resolve_provider arguments, accepting both
// snake_case and camelCase keys.
func (t *ToolCall) ResolveArguments() (referral.ProviderClaim, error) {
	var args struct {
		FirstName         string `json:"first_name"`
		FirstNameAlt      string `json:"firstName"`
		LastName          string `json:"last_name"`
		LastNameAlt       string `json:"lastName"`
		City              string `json:"city"`
		State             string `json:"state"`
		Identifier        string `json:"identifier"`
		ClaimedIdentifier string `json:"claimedIdentifier"`
		NPI               string `json:"npi"`
	}
	if len(t.Arguments) == 0 {
		return referral.ProviderClaim{}, fmt.Errorf("tool %s: missing arguments", t.Name)
	}
	if err := json.Unmarshal(t.Arguments, &args); err != nil {
		return referral.ProviderClaim{}, fmt.Errorf("tool %s: %w", t.Name, err)
	}
	return referral.ProviderClaim{
		FirstName:  firstNonEmpty(args.FirstName, args.FirstNameAlt),
		LastName:   firstNonEmpty(args.LastName, args.LastNameAlt),
		City:       args.City,
		State:      args.State,
		Identifier: firstNonEmpty(args.Identifier, args.ClaimedIdentifier, args.NPI),
	}, nil
}

// Violation describes one problem found while normalizing a record.
type Violation struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// HasErrors reports whether any violation requires a re-ask.
func HasErrors(vs []Violation) bool {
	for _, v := range vs {
		if v.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ErrExtraction matches every ExtractionError.
var ErrExtraction = errors.New("decision extraction failed")

// ExtractionError reports oracle output with no usable structured decision.
type ExtractionError struct {
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decision extraction: %s: %v", e.Reason, e.Err)
	}
	return "decision extraction: " + e.Reason
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrExtraction) match.
func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtraction
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
