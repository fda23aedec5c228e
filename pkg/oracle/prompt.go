package oracle

import (
	"fmt"
	"strings"

	"github.com/zen-systems/referralgate/pkg/adapter"
	"github.com/zen-systems/referralgate/pkg/decision"
	"github.com/zen-systems/referralgate/pkg/referral"
)

// PromptOptions are the static parts of the system prompt.
type PromptOptions struct {
	Practice string
	MaxTurns int
}

const defaultPractice = "the cardiology practice"

// Build assembles the request for c's next decision. The case history,
// which already ends with the current utterance, becomes the message list.
func Build(c *referral.Case, opts PromptOptions) adapter.Request {
	return adapter.Request{
		System:   System(c, opts),
		Messages: Conversation(c),
	}
}

// Continue extends req with the model's previous output and a follow-up
// user message such as a tool result or a repair request.
func Continue(req adapter.Request, previous, followUp string) adapter.Request {
	msgs := make([]adapter.Message, 0, len(req.Messages)+2)
	msgs = append(msgs, req.Messages...)
	msgs = append(msgs,
		adapter.Message{Role: adapter.RoleAssistant, Content: previous},
		adapter.Message{Role: adapter.RoleUser, Content: followUp},
	)
	req.Messages = msgs
	return req
}

// Conversation maps case history to chat messages. Consecutive turns from
// the same side are merged so providers that require alternation accept it.
func Conversation(c *referral.Case) []adapter.Message {
	var msgs []adapter.Message
	for _, t := range c.History {
		role := adapter.RoleUser
		if t.Role == referral.RoleSystem {
			role = adapter.RoleAssistant
		}
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n\n" + text
			continue
		}
		msgs = append(msgs, adapter.Message{Role: role, Content: text})
	}
	if len(msgs) > 0 && msgs[0].Role == adapter.RoleAssistant {
		msgs = msgs[1:]
	}
	return msgs
}

// System renders the system prompt for c.
func System(c *referral.Case, opts PromptOptions) string {
	practice := opts.Practice
	if practice == "" {
		practice = defaultPractice
	}
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are the new-patient referral intake assistant for %s.\n", practice)
	sb.WriteString("You collect a complete referral through conversation. You never diagnose and never give medical advice.\n\n")

	sb.WriteString("WORKFLOW (strict order):\n")
	sb.WriteString("0. If the user describes a medical emergency, stop and tell them to call 911 (sub_state emergency).\n")
	for i, cat := range referral.Categories {
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, strings.ToUpper(string(cat)), strings.Join(referral.RequiredFields(cat), ", "))
	}
	sb.WriteString("Do not ask about a later category while an earlier one is still missing.\n")
	sb.WriteString("Ask for one or two items at a time.\n\n")

	sb.WriteString("CASE STATUS:\n")
	for _, e := range c.Checklist {
		fmt.Fprintf(&sb, "- %s: %s\n", e.Category, e.Status)
	}
	if len(c.Fields) > 0 {
		sb.WriteString("Collected so far:\n")
		for _, f := range orderedFields(c.Fields) {
			fmt.Fprintf(&sb, "- %s = %s\n", f, c.Fields[f])
		}
	}
	if opts.MaxTurns > 0 {
		fmt.Fprintf(&sb, "Turn %d of %d.\n", c.TurnCount, opts.MaxTurns)
	}
	sb.WriteString("\n")

	sb.WriteString("REFERRING PROVIDER VERIFICATION:\n")
	switch {
	case c.Provider != nil:
		fmt.Fprintf(&sb, "Verified: %s, NPI %s (%s, %s).\n", c.Provider.DisplayName, c.Provider.Identifier, c.Provider.City, c.Provider.State)
	case c.Pending != nil:
		sb.WriteString("Result of the last registry lookup:\n")
		sb.WriteString(c.Pending.Summary())
		sb.WriteString("\n")
	default:
		sb.WriteString("Not verified yet. Once you have the provider's first and last name, request a lookup.\n")
	}
	fmt.Fprintf(&sb, "To look a provider up, reply with only: {\"tool\":\"%s\",\"arguments\":{\"first_name\":\"...\",\"last_name\":\"...\",\"city\":\"...\",\"state\":\"NY\",\"identifier\":\"...\"}}\n", decision.ToolResolveProvider)
	sb.WriteString("city, state and identifier are optional. Never invent an NPI.\n\n")

	sb.WriteString("RESPONSE FORMAT:\n")
	sb.WriteString("Reply with exactly one JSON object:\n")
	sb.WriteString(`{"sub_state":"...","response":"text shown to the user","focus":"provider|patient|clinical|insurance","collected":{"field":"value"},"provider_claim":{"first_name":"...","last_name":"...","identifier":"..."}}`)
	sb.WriteString("\nsub_state is one of:\n")
	for _, s := range referral.SubStates() {
		fmt.Fprintf(&sb, "- %s\n", s)
	}
	sb.WriteString("Use verification-pending while a provider lookup is needed, complete only when every category is collected, ")
	sb.WriteString("out-of-scope for requests unrelated to a referral, user-canceled if the user wants to stop.\n")

	return sb.String()
}

func orderedFields(fields map[string]string) []string {
	var out []string
	for _, cat := range referral.Categories {
		for _, f := range referral.RequiredFields(cat) {
			if _, ok := fields[f]; ok {
				out = append(out, f)
			}
		}
	}
	return out
}
