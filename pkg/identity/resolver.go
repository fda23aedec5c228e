// Package identity classifies registry search results into resolution
// outcomes for a claimed referring provider.
package identity

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zen-systems/referralgate/pkg/referral"
	"github.com/zen-systems/referralgate/pkg/registry"
)

// MaxCandidates is the largest result count presented for disambiguation.
const MaxCandidates = 3

// Searcher is the registry surface the resolver needs.
type Searcher interface {
	Search(ctx context.Context, q registry.Query) (*registry.Result, error)
}

// Request is one resolution attempt.
type Request struct {
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	City              string `json:"city,omitempty"`
	State             string `json:"state,omitempty"`
	ClaimedIdentifier string `json:"identifier,omitempty"`
}

// FromClaim converts a provider claim to a request.
func FromClaim(c referral.ProviderClaim) Request {
	return Request{
		FirstName:         c.FirstName,
		LastName:          c.LastName,
		City:              c.City,
		State:             c.State,
		ClaimedIdentifier: c.Identifier,
	}
}

// Resolver maps registry data to outcomes. It holds no per-call state.
type Resolver struct {
	searcher Searcher
	logger   *zap.Logger
}

// NewResolver creates a resolver over s.
func NewResolver(s Searcher, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{searcher: s, logger: logger}
}

// Resolve searches the registry and classifies the result. Registry errors
// are returned wrapped; validation errors never reach the network.
func (r *Resolver) Resolve(ctx context.Context, req Request) (referral.ResolutionOutcome, error) {
	query, err := registry.Query{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		City:      req.City,
		State:     req.State,
	}.Normalize()
	if err != nil {
		return referral.ResolutionOutcome{}, err
	}

	res, err := r.searcher.Search(ctx, query)
	if err != nil {
		return referral.ResolutionOutcome{}, fmt.Errorf("resolve %s %s: %w", query.FirstName, query.LastName, err)
	}

	out := Classify(query, strings.TrimSpace(req.ClaimedIdentifier), res)
	r.logger.Info("provider resolution",
		zap.String("kind", string(out.Kind)),
		zap.Int("result_count", out.ResultCount),
		zap.Bool("identifier_claimed", out.ClaimedIdentifier != ""),
		zap.String("request_id", res.RequestID))
	return out, nil
}

// Classify is the count-driven resolution algorithm. It is a pure function
// of the query, the claimed identifier and the registry result.
func Classify(q registry.Query, claimed string, res *registry.Result) referral.ResolutionOutcome {
	out := referral.ResolutionOutcome{
		ClaimedIdentifier: claimed,
		Query: referral.ProviderClaim{
			FirstName:  q.FirstName,
			LastName:   q.LastName,
			City:       q.City,
			State:      q.State,
			Identifier: claimed,
		},
		Source: res.RequestID,
	}

	count := res.ResultCount
	if len(res.Results) > count {
		count = len(res.Results)
	}
	out.ResultCount = count
	who := describe(q)

	switch {
	case count == 0 || len(res.Results) == 0:
		out.Kind = referral.ResolutionNotFound
		out.ResultCount = 0
		out.Message = fmt.Sprintf("No providers found matching %s. Ask the user to check the spelling or give another name.", who)
		return out

	case count <= MaxCandidates:
		candidates := candidatesFrom(res.Results, res.RequestID)
		if claimed == "" {
			out.Kind = referral.ResolutionAmbiguous
			out.Candidates = candidates
			out.Message = fmt.Sprintf("Found %d provider(s) matching %s. Ask the user to confirm which one.", len(candidates), who)
			return out
		}
		if match, ok := exactlyOne(candidates, claimed); ok {
			out.Kind = referral.ResolutionResolved
			out.Candidates = []referral.ProviderCandidate{match}
			out.Message = fmt.Sprintf("Verified %s with NPI %s.", match.DisplayName, match.Identifier)
			return out
		}
		out.Kind = referral.ResolutionIdentifierMismatch
		out.Candidates = candidates
		out.Message = fmt.Sprintf("NPI %s does not match any of the %d provider(s) named %s.%s", claimed, count, who, formatHint(claimed))
		return out

	default:
		if claimed != "" {
			for _, e := range res.Results {
				if e.Number.String() == claimed {
					match := candidateFrom(e, res.RequestID)
					out.Kind = referral.ResolutionResolved
					out.Candidates = []referral.ProviderCandidate{match}
					out.Message = fmt.Sprintf("Found exact match: %s with NPI %s.", match.DisplayName, match.Identifier)
					return out
				}
			}
			out.Kind = referral.ResolutionIdentifierMismatch
			out.Message = fmt.Sprintf("NPI %s does not match any of the %d providers named %s.%s", claimed, count, who, formatHint(claimed))
			return out
		}
		out.Kind = referral.ResolutionTooBroad
		out.SuggestedRefinements = refinements(q)
		out.Message = fmt.Sprintf("Found %d providers matching %s. Ask for: %s.", count, who, strings.Join(out.SuggestedRefinements, ", "))
		return out
	}
}

// refinements lists the missing location dimensions. When both are missing
// both are requested in one turn.
func refinements(q registry.Query) []string {
	var out []string
	if q.City == "" {
		out = append(out, "city")
	}
	if q.State == "" {
		out = append(out, "state")
	}
	if len(out) == 0 {
		// Location already given; only an identifier can narrow further.
		out = append(out, "identifier")
	}
	return out
}

func exactlyOne(candidates []referral.ProviderCandidate, id string) (referral.ProviderCandidate, bool) {
	var match referral.ProviderCandidate
	n := 0
	for _, c := range candidates {
		if c.Identifier == id {
			match = c
			n++
		}
	}
	return match, n == 1
}

func candidatesFrom(entries []registry.Entry, source string) []referral.ProviderCandidate {
	out := make([]referral.ProviderCandidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, candidateFrom(e, source))
	}
	return out
}

func candidateFrom(e registry.Entry, source string) referral.ProviderCandidate {
	c := referral.ProviderCandidate{
		Identifier:      e.Number.String(),
		DisplayName:     displayName(e.Basic),
		CredentialTag:   strings.TrimSpace(e.Basic.Credential),
		Active:          e.Basic.Status == "A",
		EnumerationDate: e.Basic.EnumerationDate,
		Source:          source,
	}
	if len(e.Addresses) > 0 {
		c.City = e.Addresses[0].City
		c.State = e.Addresses[0].State
	}
	return c
}

func displayName(b registry.Basic) string {
	return strings.Join(strings.Fields(b.FirstName+" "+b.MiddleName+" "+b.LastName), " ")
}

func describe(q registry.Query) string {
	who := fmt.Sprintf("'%s %s'", q.FirstName, q.LastName)
	switch {
	case q.City != "" && q.State != "":
		who += fmt.Sprintf(" in %s, %s", q.City, q.State)
	case q.City != "":
		who += " in " + q.City
	case q.State != "":
		who += " in " + q.State
	}
	return who
}

func formatHint(id string) string {
	if len(id) != 10 {
		return " The NPI should be 10 digits."
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return " The NPI should contain only digits."
		}
	}
	return " Ask the user to check the NPI or the provider name."
}
