// Package evidence writes one JSON record per controller turn so a case can
// be audited after the fact. Utterances and oracle output are stored as
// hashes, not text.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TurnRecord captures everything the controller decided in one turn.
type TurnRecord struct {
	ConversationID string            `json:"conversation_id"`
	Turn           int               `json:"turn"`
	Timestamp      time.Time         `json:"timestamp"`
	UtteranceHash  string            `json:"utterance_hash"`
	Screen         *ScreenRecord     `json:"screen,omitempty"`
	Attempts       []AttemptRecord   `json:"attempts,omitempty"`
	Resolution     *ResolutionRecord `json:"resolution,omitempty"`
	Violations     []Violation       `json:"violations,omitempty"`
	Downgraded     bool              `json:"downgraded"`
	SubState       string            `json:"sub_state"`
	TaskState      string            `json:"task_state"`
	TerminalReason string            `json:"terminal_reason,omitempty"`
	Checklist      map[string]string `json:"checklist,omitempty"`
	DurationMillis int64             `json:"duration_ms"`
}

// ScreenRecord is a short-circuit phrase hit.
type ScreenRecord struct {
	Kind   string `json:"kind"`
	Phrase string `json:"phrase"`
}

// AttemptRecord captures one oracle call.
type AttemptRecord struct {
	Attempt        int         `json:"attempt"`
	Kind           string      `json:"kind"`
	Adapter        string      `json:"adapter,omitempty"`
	Model          string      `json:"model,omitempty"`
	PromptHash     string      `json:"prompt_hash,omitempty"`
	OutputHash     string      `json:"output_hash,omitempty"`
	Source         string      `json:"source,omitempty"`
	Violations     []Violation `json:"violations,omitempty"`
	Error          string      `json:"error,omitempty"`
	DurationMillis int64       `json:"duration_ms"`
}

// ResolutionRecord captures an identity resolution run during the turn.
type ResolutionRecord struct {
	Kind         string   `json:"kind"`
	ResultCount  int      `json:"result_count"`
	Source       string   `json:"source,omitempty"`
	CandidateIDs []string `json:"candidate_ids,omitempty"`
	Refinements  []string `json:"refinements,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Violation mirrors decision violation details.
type Violation struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Writer writes turn records below baseDir/<conversation id>/.
type Writer struct {
	baseDir string
}

// NewWriter creates a writer rooted at baseDir.
func NewWriter(baseDir string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}
	return &Writer{baseDir: baseDir}, nil
}

// Dir returns the directory holding a conversation's records.
func (w *Writer) Dir(conversationID string) string {
	return filepath.Join(w.baseDir, safeName(conversationID))
}

// WriteTurn writes record to <conversation>/turn-<n>.json. A repeated turn
// number (an idempotent terminal call) gets a numeric suffix instead of
// overwriting.
func (w *Writer) WriteTurn(record TurnRecord) error {
	if record.ConversationID == "" {
		return fmt.Errorf("conversation ID is required")
	}
	dir := w.Dir(record.ConversationID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	base := fmt.Sprintf("turn-%02d", record.Turn)
	path := filepath.Join(dir, base+".json")
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s.%d.json", base, i))
	}
	return writeJSON(path, record)
}

// Hash returns the hex sha256 of s, or "" for empty input.
func Hash(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
