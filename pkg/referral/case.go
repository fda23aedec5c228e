// Package referral holds the case model shared by the intake controller, its
// stores and its transports: task and sub-states, the category checklist,
// provider claims and identity resolution outcomes.
package referral

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCaseTerminal is returned when a transition is attempted on a case
	// that has already reached a terminal task state.
	ErrCaseTerminal = errors.New("referral: case is terminal")
	// ErrUnverifiedIdentifier is returned when a provider identifier is
	// recorded without a registry-verified candidate carrying it.
	ErrUnverifiedIdentifier = errors.New("referral: provider identifier not verified")
	// ErrUnknownField is returned for field keys outside the checklist.
	ErrUnknownField = errors.New("referral: unknown field")
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Turn is one entry of the conversation history.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// TerminalReason records why the controller ended a case.
type TerminalReason string

const (
	ReasonNone            TerminalReason = ""
	ReasonCompleted       TerminalReason = "completed"
	ReasonEmergency       TerminalReason = "emergency"
	ReasonTurnBudget      TerminalReason = "turn-budget-exceeded"
	ReasonProcessingError TerminalReason = "processing-error"
	ReasonUserCanceled    TerminalReason = "user-canceled"
	ReasonOutOfScope      TerminalReason = "out-of-scope"
	ReasonInvalidRequest  TerminalReason = "invalid-request"
)

func reasonForSub(sub SubState) TerminalReason {
	switch sub {
	case SubComplete:
		return ReasonCompleted
	case SubEmergency:
		return ReasonEmergency
	case SubUserCanceled:
		return ReasonUserCanceled
	case SubOutOfScope:
		return ReasonOutOfScope
	case SubInvalidRequest:
		return ReasonInvalidRequest
	default:
		return ReasonNone
	}
}

// Case is the persisted state of one referral conversation.
type Case struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	TurnCount      int                `json:"turn_count"`
	TaskState      TaskState          `json:"task_state"`
	SubState       SubState           `json:"sub_state"`
	TerminalReason TerminalReason     `json:"terminal_reason,omitempty"`
	Checklist      Checklist          `json:"checklist"`
	Fields         map[string]string  `json:"fields"`
	Provider       *ProviderCandidate `json:"provider,omitempty"`
	Pending        *ResolutionOutcome `json:"pending_resolution,omitempty"`
	LastClaim      *ProviderClaim     `json:"last_claim,omitempty"`
	History        []Turn             `json:"history"`
	Version        int64              `json:"version"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// New returns a fresh case awaiting its first turn.
func New(conversationID string, now time.Time) *Case {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	return &Case{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		TaskState:      TaskAwaitingInput,
		SubState:       SubNeedProviderInfo,
		Checklist:      NewChecklist(),
		Fields:         map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Terminal reports whether the case accepts no further turns.
func (c *Case) Terminal() bool {
	return c.TaskState.Terminal()
}

// AppendUtterance records a user turn without charging the turn budget.
func (c *Case) AppendUtterance(text string, now time.Time) {
	c.History = append(c.History, Turn{Role: RoleUser, Text: text, At: now})
	c.UpdatedAt = now
}

// BeginTurn records a user turn and charges it against the budget.
func (c *Case) BeginTurn(text string, now time.Time) {
	c.AppendUtterance(text, now)
	c.TurnCount++
}

// Reply records the controller's response.
func (c *Case) Reply(text string, now time.Time) {
	c.History = append(c.History, Turn{Role: RoleSystem, Text: text, At: now})
	c.UpdatedAt = now
}

// Transition moves the case to sub and the task state the table assigns it.
func (c *Case) Transition(sub SubState, now time.Time) error {
	if c.Terminal() {
		return ErrCaseTerminal
	}
	if !sub.Valid() {
		return fmt.Errorf("referral: unknown sub-state %q", sub)
	}
	c.SubState = sub
	c.TaskState = TaskStateFor(sub)
	if c.TaskState.Terminal() {
		c.TerminalReason = reasonForSub(sub)
	}
	c.UpdatedAt = now
	return nil
}

// Force imposes a terminal task state the oracle did not choose. The recorded
// sub-state is the canonical preimage of ts so the pair stays consistent.
func (c *Case) Force(ts TaskState, reason TerminalReason, now time.Time) error {
	if c.Terminal() {
		return ErrCaseTerminal
	}
	c.TaskState = ts
	c.SubState = SubStateFor(ts)
	c.TerminalReason = reason
	c.UpdatedAt = now
	return nil
}

// SetField records one collected value. provider_npi is accepted only when
// it equals the identifier of the verified provider.
func (c *Case) SetField(key, value string) error {
	key = normalizeKey(key)
	value = strings.TrimSpace(value)
	if _, ok := FieldCategory(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, key)
	}
	if value == "" {
		return nil
	}
	if key == FieldProviderNPI {
		if c.Provider == nil || c.Provider.Identifier != value {
			return ErrUnverifiedIdentifier
		}
	}
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	c.Fields[key] = value
	c.Checklist = Compute(c.Fields)
	return nil
}

// RecordFields applies SetField to every entry and returns the keys that
// were rejected.
func (c *Case) RecordFields(fields map[string]string) []string {
	var rejected []string
	for k, v := range fields {
		if err := c.SetField(k, v); err != nil {
			rejected = append(rejected, k)
		}
	}
	return rejected
}

// Verify attaches a registry-verified provider and clears any pending
// resolution.
func (c *Case) Verify(p ProviderCandidate) {
	cp := p
	c.Provider = &cp
	c.Pending = nil
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	if _, ok := c.Fields[FieldProviderName]; !ok && p.DisplayName != "" {
		c.Fields[FieldProviderName] = p.DisplayName
	}
	c.Fields[FieldProviderNPI] = p.Identifier
	c.Checklist = Compute(c.Fields)
}

// Clone returns a deep copy.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.Checklist = c.Checklist.clone()
	out.Fields = make(map[string]string, len(c.Fields))
	for k, v := range c.Fields {
		out.Fields[k] = v
	}
	out.History = append([]Turn(nil), c.History...)
	if c.Provider != nil {
		p := *c.Provider
		out.Provider = &p
	}
	if c.Pending != nil {
		p := *c.Pending
		p.Candidates = append([]ProviderCandidate(nil), c.Pending.Candidates...)
		p.SuggestedRefinements = append([]string(nil), c.Pending.SuggestedRefinements...)
		out.Pending = &p
	}
	if c.LastClaim != nil {
		lc := *c.LastClaim
		out.LastClaim = &lc
	}
	return &out
}

func normalizeKey(raw string) string {
	k := strings.ToLower(strings.TrimSpace(raw))
	return strings.NewReplacer("-", "_", " ", "_").Replace(k)
}
