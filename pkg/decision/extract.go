package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/zen-systems/referralgate/pkg/referral"
)

// Extraction paths recorded in Record.Source.
const (
	SourceStrict = "strict"
	SourceBlock  = "block"
	SourceMarker = "marker"
)

var (
	fencePattern    = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\r?\n?(.*?)```")
	decisionPattern = regexp.MustCompile(`(?s)<decision>(.*?)</decision>`)
)

// Legacy status markers some prompts still produce.
var markers = []struct {
	text string
	sub  referral.SubState
}{
	{"[NEED_MORE_INFO]", referral.SubNeedProviderInfo},
	{"[REFERRAL_COMPLETE]", referral.SubComplete},
	{"[REFERRAL_FAILED]", referral.SubEmergency},
}

// Extract parses raw oracle output. It tries, in order: the whole output
// as JSON, a single fenced or tagged block or bare object inside prose, and
// a single legacy status marker. The returned record is not yet normalized.
func Extract(raw string) (*Record, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ExtractionError{Reason: "empty output"}
	}

	if rec, err := decodeObject(trimmed); err == nil {
		rec.Source = SourceStrict
		return rec, nil
	}

	blocks := structuredBlocks(trimmed)
	switch len(blocks) {
	case 0:
	case 1:
		rec, err := decodeObject(blocks[0])
		if err != nil {
			return nil, &ExtractionError{Reason: "structured block did not decode", Err: err}
		}
		rec.Source = SourceBlock
		return rec, nil
	default:
		return nil, &ExtractionError{Reason: fmt.Sprintf("found %d structured blocks, want exactly one", len(blocks))}
	}

	if rec, ok := fromMarker(trimmed); ok {
		return rec, nil
	}
	return nil, &ExtractionError{Reason: "no structured decision in output"}
}

// structuredBlocks returns explicit fenced or tagged blocks when present,
// otherwise every top-level balanced object in the text.
func structuredBlocks(text string) []string {
	var blocks []string
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if strings.HasPrefix(body, "{") {
			blocks = append(blocks, body)
		}
	}
	for _, m := range decisionPattern.FindAllStringSubmatch(text, -1) {
		blocks = append(blocks, strings.TrimSpace(m[1]))
	}
	if len(blocks) > 0 {
		return blocks
	}
	return findObjects(text)
}

// findObjects scans for top-level balanced {...} spans, skipping braces
// inside JSON strings.
func findObjects(input string) []string {
	var out []string
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(input); i++ {
		ch := input[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' && depth > 0 {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, input[start:i+1])
				start = -1
			}
		}
	}
	return out
}

func fromMarker(text string) (*Record, bool) {
	found := -1
	hits := 0
	for i, m := range markers {
		n := strings.Count(text, m.text)
		if n > 0 {
			found = i
			hits += n
		}
	}
	if hits != 1 {
		return nil, false
	}
	m := markers[found]
	return &Record{
		SubState:     m.sub,
		ResponseText: strings.TrimSpace(strings.Replace(text, m.text, "", 1)),
		Source:       SourceMarker,
	}, true
}

// rawDecision accepts the key spellings oracles are known to produce.
type rawDecision struct {
	SubState         *string `json:"sub_state"`
	InternalSubState *string `json:"internalSubState"`
	SubStateCamel    *string `json:"subState"`
	TaskState        *string `json:"task_state"`
	TaskStateCamel   *string `json:"taskState"`

	Response          *string `json:"response"`
	ResponseText      *string `json:"response_text"`
	ResponseTextCamel *string `json:"responseText"`

	Focus         string          `json:"focus"`
	Collected     json.RawMessage `json:"collected"`
	ProviderClaim json.RawMessage `json:"provider_claim"`
	ClaimCamel    json.RawMessage `json:"providerClaim"`

	ToolCall  *ToolCall       `json:"tool_call"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

func (r rawDecision) recognized() bool {
	return r.SubState != nil || r.InternalSubState != nil || r.SubStateCamel != nil ||
		r.TaskState != nil || r.TaskStateCamel != nil ||
		r.Response != nil || r.ResponseText != nil || r.ResponseTextCamel != nil ||
		r.ToolCall != nil || r.Tool != ""
}

func decodeObject(text string) (*Record, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return nil, fmt.Errorf("not a JSON object")
	}
	var raw rawDecision
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after object")
	}
	if !raw.recognized() {
		return nil, fmt.Errorf("object has no decision fields")
	}

	rec := &Record{
		SubState:         referral.SubState(deref(raw.SubState, raw.InternalSubState, raw.SubStateCamel)),
		ClaimedTaskState: deref(raw.TaskState, raw.TaskStateCamel),
		ResponseText:     deref(raw.ResponseText, raw.Response, raw.ResponseTextCamel),
		Focus:            referral.Category(strings.ToLower(strings.TrimSpace(raw.Focus))),
	}

	collected, err := decodeCollected(raw.Collected)
	if err != nil {
		return nil, fmt.Errorf("collected: %w", err)
	}
	rec.Collected = collected

	claimRaw := raw.ProviderClaim
	if len(claimRaw) == 0 {
		claimRaw = raw.ClaimCamel
	}
	if len(claimRaw) > 0 && !bytes.Equal(bytes.TrimSpace(claimRaw), []byte("null")) {
		tc := ToolCall{Name: ToolResolveProvider, Arguments: claimRaw}
		claim, err := tc.ResolveArguments()
		if err != nil {
			return nil, fmt.Errorf("provider_claim: %w", err)
		}
		if !claim.Empty() {
			rec.ProviderClaim = &claim
		}
	}

	switch {
	case raw.ToolCall != nil && raw.ToolCall.Name != "":
		rec.ToolCall = raw.ToolCall
	case raw.Tool != "":
		rec.ToolCall = &ToolCall{Name: raw.Tool, Arguments: raw.Arguments}
	}
	return rec, nil
}

// decodeCollected reads {"field": "value"}. A bare list of field names
// carries no values and is rejected so the oracle is asked to repair it.
func decodeCollected(data json.RawMessage) (map[string]string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] != '{' {
		return nil, fmt.Errorf("want an object of field values")
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for k, value := range values {
		switch v := value.(type) {
		case nil:
		case string:
			out[k] = v
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out, nil
}

func deref(ptrs ...*string) string {
	for _, p := range ptrs {
		if p != nil && strings.TrimSpace(*p) != "" {
			return strings.TrimSpace(*p)
		}
	}
	return ""
}
