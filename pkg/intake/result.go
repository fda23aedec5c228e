package intake

import (
	"time"

	"github.com/zen-systems/referralgate/pkg/referral"
)

// TurnResult is what a transport sends back for one turn.
type TurnResult struct {
	ConversationID string                  `json:"conversation_id"`
	CaseID         string                  `json:"case_id"`
	TaskState      referral.TaskState      `json:"task_state"`
	SubState       referral.SubState       `json:"sub_state"`
	TerminalReason referral.TerminalReason `json:"terminal_reason,omitempty"`
	ResponseText   string                  `json:"response_text"`
	IsFinalForTurn bool                    `json:"is_final_for_turn"`
	TurnCount      int                     `json:"turn_count"`
	Checklist      referral.Checklist      `json:"checklist"`
	Events         []ProgressEvent         `json:"events,omitempty"`
}

// ProgressEvent is a non-final notice emitted while a turn runs.
type ProgressEvent struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ProgressFunc receives progress events as they happen.
type ProgressFunc func(conversationID string, ev ProgressEvent)

// Progress event kinds.
const (
	EventResolvingProvider = "resolving-provider"
	EventRepairing         = "repairing-decision"
	EventRetrying          = "retrying-oracle"
)

func resultFor(c *referral.Case, text string, events []ProgressEvent) *TurnResult {
	return &TurnResult{
		ConversationID: c.ConversationID,
		CaseID:         c.ID,
		TaskState:      c.TaskState,
		SubState:       c.SubState,
		TerminalReason: c.TerminalReason,
		ResponseText:   text,
		IsFinalForTurn: true,
		TurnCount:      c.TurnCount,
		Checklist:      append(referral.Checklist(nil), c.Checklist...),
		Events:         events,
	}
}

func lastReply(c *referral.Case) string {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Role == referral.RoleSystem {
			return c.History[i].Text
		}
	}
	return ""
}
