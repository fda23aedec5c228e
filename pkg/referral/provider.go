package referral

import (
	"fmt"
	"strings"
)

// ProviderCandidate is a referring professional as reported by the registry.
type ProviderCandidate struct {
	Identifier      string `json:"identifier"`
	DisplayName     string `json:"display_name"`
	CredentialTag   string `json:"credential,omitempty"`
	City            string `json:"city,omitempty"`
	State           string `json:"state,omitempty"`
	Active          bool   `json:"active"`
	EnumerationDate string `json:"enumeration_date,omitempty"`
	// Source is the registry request that produced the candidate.
	Source string `json:"source"`
}

// ProviderClaim is what the user said about the referring professional.
type ProviderClaim struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// Empty reports whether the claim names nobody.
func (p ProviderClaim) Empty() bool {
	return strings.TrimSpace(p.FirstName) == "" && strings.TrimSpace(p.LastName) == ""
}

// Equal compares claims ignoring case and surrounding whitespace.
func (p ProviderClaim) Equal(o ProviderClaim) bool {
	eq := func(a, b string) bool {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return eq(p.FirstName, o.FirstName) &&
		eq(p.LastName, o.LastName) &&
		eq(p.City, o.City) &&
		eq(p.State, o.State) &&
		strings.TrimSpace(p.Identifier) == strings.TrimSpace(o.Identifier)
}

// ResolutionKind tags a ResolutionOutcome.
type ResolutionKind string

const (
	ResolutionNotFound           ResolutionKind = "not-found"
	ResolutionAmbiguous          ResolutionKind = "ambiguous"
	ResolutionTooBroad           ResolutionKind = "too-broad"
	ResolutionIdentifierMismatch ResolutionKind = "identifier-mismatch"
	ResolutionResolved           ResolutionKind = "resolved"
	// ResolutionManualConfirmation is set by the controller when the
	// registry stays unavailable; the resolver never produces it.
	ResolutionManualConfirmation ResolutionKind = "manual-confirmation"
)

// ResolutionOutcome is the result of one identity resolution attempt.
type ResolutionOutcome struct {
	Kind                 ResolutionKind      `json:"kind"`
	Candidates           []ProviderCandidate `json:"candidates,omitempty"`
	SuggestedRefinements []string            `json:"suggested_refinements,omitempty"`
	ClaimedIdentifier    string              `json:"claimed_identifier,omitempty"`
	ResultCount          int                 `json:"result_count"`
	Query                ProviderClaim       `json:"query"`
	Source               string              `json:"source,omitempty"`
	Message              string              `json:"message"`
}

// Resolved returns the single resolved candidate.
func (o ResolutionOutcome) Resolved() (ProviderCandidate, bool) {
	if o.Kind != ResolutionResolved || len(o.Candidates) != 1 {
		return ProviderCandidate{}, false
	}
	return o.Candidates[0], true
}

// Summary renders the outcome for inclusion in oracle context.
func (o ResolutionOutcome) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("status=%s result_count=%d\n", o.Kind, o.ResultCount))
	if o.Message != "" {
		sb.WriteString(o.Message)
		sb.WriteString("\n")
	}
	for i, c := range o.Candidates {
		status := "Inactive"
		if c.Active {
			status = "Active"
		}
		sb.WriteString(fmt.Sprintf("%d. %s", i+1, c.DisplayName))
		if c.CredentialTag != "" {
			sb.WriteString(", " + c.CredentialTag)
		}
		sb.WriteString(fmt.Sprintf(" | NPI %s | %s, %s | %s\n", c.Identifier, c.City, c.State, status))
	}
	if len(o.SuggestedRefinements) > 0 {
		sb.WriteString("ask for: " + strings.Join(o.SuggestedRefinements, ", ") + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
