package repair

import (
	"errors"
	"strings"
	"testing"

	"github.com/zen-systems/referralgate/pkg/decision"
)

func TestExtractionPromptEchoesReply(t *testing.T) {
	prompt := ExtractionPrompt("just some prose", errors.New("no structured decision in output"))
	if !strings.Contains(prompt, "just some prose") {
		t.Fatalf("missing previous reply")
	}
	if !strings.Contains(prompt, "no structured decision") {
		t.Fatalf("missing error text")
	}
	if !strings.Contains(prompt, `"sub_state"`) {
		t.Fatalf("missing schema example")
	}
}

func TestViolationPromptListsIssues(t *testing.T) {
	prompt := ViolationPrompt(`{"sub_state":"complete"}`, []decision.Violation{
		{Rule: "empty_response", Severity: decision.SeverityError, Message: "response text is empty", Suggestion: "Write the message."},
	})
	if !strings.Contains(prompt, "- [error] empty_response: response text is empty") {
		t.Fatalf("missing violation line:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Suggestion: Write the message.") {
		t.Fatalf("missing suggestion")
	}
}

func TestExtractionPromptTruncatesLongReplies(t *testing.T) {
	prompt := ExtractionPrompt(strings.Repeat("x", maxEcho*2), nil)
	if !strings.Contains(prompt, "[truncated]") {
		t.Fatalf("expected truncation marker")
	}
}

func TestOrderingPrompt(t *testing.T) {
	got := OrderingPrompt("Provider", []string{"provider_npi"})
	want := "Before we continue, I still need the provider information: provider npi."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
