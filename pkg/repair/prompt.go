// Package repair builds the correction prompts sent back to the oracle when
// its output cannot be used as-is.
package repair

import (
	"fmt"
	"strings"

	"github.com/zen-systems/referralgate/pkg/decision"
)

const maxEcho = 2000

// ExtractionPrompt asks the oracle to restate an unparsable answer as a
// single JSON decision.
func ExtractionPrompt(previous string, err error) string {
	var sb strings.Builder

	sb.WriteString("Your previous reply could not be read as a decision.\n")
	if err != nil {
		sb.WriteString(fmt.Sprintf("Problem: %v\n", err))
	}
	sb.WriteString("\nPrevious reply:\n---\n")
	sb.WriteString(truncate(previous))
	sb.WriteString("\n---\n\n")
	sb.WriteString("Reply with exactly one JSON object and nothing else, for example:\n")
	sb.WriteString(`{"sub_state":"need-provider-info","task_state":"input-required","response":"...","focus":"provider","collected":{}}`)
	sb.WriteString("\n")

	return sb.String()
}

// ViolationPrompt lists what was wrong with a decision and asks for a
// corrected one.
func ViolationPrompt(previous string, violations []decision.Violation) string {
	var sb strings.Builder

	sb.WriteString("Your previous decision failed validation:\n\n")
	sb.WriteString("---\n")
	sb.WriteString(truncate(previous))
	sb.WriteString("\n---\n\n")

	sb.WriteString("Issues found:\n")
	for _, v := range violations {
		sb.WriteString(fmt.Sprintf("- [%s] %s: %s\n", v.Severity, v.Rule, v.Message))
		if v.Suggestion != "" {
			sb.WriteString(fmt.Sprintf("  Suggestion: %s\n", v.Suggestion))
		}
	}

	sb.WriteString("\nReturn the corrected decision as a single JSON object.")

	return sb.String()
}

// OrderingPrompt is the user-facing request for the earliest incomplete
// category, used when a turn is downgraded.
func OrderingPrompt(category string, missing []string) string {
	category = strings.ToLower(category)
	if len(missing) == 0 {
		return fmt.Sprintf("Before we continue, I still need the %s information.", category)
	}
	names := make([]string, len(missing))
	for i, m := range missing {
		names[i] = strings.ReplaceAll(m, "_", " ")
	}
	return fmt.Sprintf("Before we continue, I still need the %s information: %s.", category, strings.Join(names, ", "))
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxEcho {
		return s
	}
	return s[:maxEcho] + "\n[truncated]"
}
