package decision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/referralgate/pkg/referral"
)

// Normalize corrects rec in place and returns every violation it found.
// After Normalize, rec.SubState is in the closed set and rec.TaskState is
// the table value for it. Violations with SeverityError mean the oracle
// should be asked again.
func Normalize(rec *Record) []Violation {
	var vs []Violation

	if sub, ok := referral.ParseSubState(string(rec.SubState)); ok {
		rec.SubState = sub
	} else {
		if rec.SubState != "" || rec.ToolCall == nil {
			vs = append(vs, Violation{
				Rule:       "unknown_sub_state",
				Severity:   SeverityWarning,
				Message:    fmt.Sprintf("sub_state %q is not recognized; using %s", rec.SubState, referral.SubNeedProviderInfo),
				Field:      "sub_state",
				Suggestion: "Use one of: " + joinSubStates(),
			})
		}
		rec.SubState = referral.SubNeedProviderInfo
	}

	want := referral.TaskStateFor(rec.SubState)
	if rec.ClaimedTaskState != "" {
		claimed, ok := referral.ParseTaskState(rec.ClaimedTaskState)
		if !ok || claimed != want {
			vs = append(vs, Violation{
				Rule:     "task_state_mismatch",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("task_state %q disagrees with sub_state %s; corrected to %s", rec.ClaimedTaskState, rec.SubState, want),
				Field:    "task_state",
			})
		}
	}
	rec.TaskState = want

	if rec.Focus != "" {
		if c, ok := referral.ParseCategory(string(rec.Focus)); ok {
			rec.Focus = c
		} else {
			vs = append(vs, Violation{
				Rule:     "unknown_focus",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("focus %q is not a checklist category; dropped", rec.Focus),
				Field:    "focus",
			})
			rec.Focus = ""
		}
	}

	if len(rec.Collected) > 0 {
		var unknown []string
		for k := range rec.Collected {
			if _, ok := referral.FieldCategory(normalizeField(k)); !ok {
				unknown = append(unknown, k)
			}
		}
		sort.Strings(unknown)
		for _, k := range unknown {
			delete(rec.Collected, k)
			vs = append(vs, Violation{
				Rule:     "unknown_field",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("collected field %q is not a checklist field; dropped", k),
				Field:    "collected",
			})
		}
	}

	if rec.ToolCall != nil && rec.ToolCall.Name != ToolResolveProvider {
		vs = append(vs, Violation{
			Rule:       "unknown_tool",
			Severity:   SeverityError,
			Message:    fmt.Sprintf("tool %q is not available", rec.ToolCall.Name),
			Field:      "tool",
			Suggestion: fmt.Sprintf("The only tool is %s.", ToolResolveProvider),
		})
		rec.ToolCall = nil
	}

	rec.ResponseText = strings.TrimSpace(rec.ResponseText)
	if rec.ResponseText == "" && rec.ToolCall == nil {
		sev := SeverityError
		if rec.TaskState.Terminal() {
			sev = SeverityWarning
		}
		vs = append(vs, Violation{
			Rule:       "empty_response",
			Severity:   sev,
			Message:    "response text is empty",
			Field:      "response_text",
			Suggestion: "Write the message the user should see next.",
		})
	}

	rec.Corrections = append(rec.Corrections, vs...)
	return vs
}

// Decide extracts and normalizes in one step.
func Decide(raw string) (*Record, []Violation, error) {
	rec, err := Extract(raw)
	if err != nil {
		return nil, nil, err
	}
	vs := Normalize(rec)
	return rec, vs, nil
}

func normalizeField(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer("-", "_", " ", "_").Replace(k)
}

func joinSubStates() string {
	subs := referral.SubStates()
	names := make([]string, len(subs))
	for i, s := range subs {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
