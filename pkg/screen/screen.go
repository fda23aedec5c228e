// Package screen matches inbound utterances against fixed phrase lists that
// short-circuit a turn before the oracle is consulted.
package screen

import (
	"sort"
	"strings"
	"unicode"
)

// Kind names a screen.
type Kind string

const (
	KindEmergency  Kind = "emergency"
	KindCancel     Kind = "cancel"
	KindOutOfScope Kind = "out-of-scope"
)

// DefaultEmergencyPhrases are checked on every turn. They describe an acute,
// present event; history such as "had a heart attack in 2019" is clinical
// information, not an emergency.
var DefaultEmergencyPhrases = []string{
	"having a heart attack",
	"heart attack right now",
	"heart attack now",
	"chest pain right now",
	"can't breathe",
	"cannot breathe",
	"not breathing",
	"is unconscious",
	"passing out right now",
	"call 911",
}

// DefaultCancelPhrases end a referral wherever they appear in a message.
var DefaultCancelPhrases = []string{
	"cancel the referral",
	"cancel this referral",
	"stop the referral",
}

// DefaultCancelUtterances end a referral only when they are the whole
// message, ignoring punctuation.
var DefaultCancelUtterances = []string{
	"never mind",
	"nevermind",
	"forget it",
	"cancel",
}

// Phrases configures a Screens value.
type Phrases struct {
	Emergency  []string
	Cancel     []string
	OutOfScope []string

	// CancelUtterances match only when they are the entire message.
	CancelUtterances []string
}

// Hit is a matched phrase.
type Hit struct {
	Kind   Kind   `json:"kind"`
	Phrase string `json:"phrase"`
}

// Screens holds compiled phrase lists.
type Screens struct {
	emergency   []string
	cancel      []string
	cancelWhole map[string]bool
	outOfScope  []string
}

// New compiles the phrase lists. Empty lists fall back to the defaults,
// except out-of-scope which has none.
func New(p Phrases) *Screens {
	if len(p.Emergency) == 0 {
		p.Emergency = DefaultEmergencyPhrases
	}
	if len(p.Cancel) == 0 {
		p.Cancel = DefaultCancelPhrases
	}
	if len(p.CancelUtterances) == 0 {
		p.CancelUtterances = DefaultCancelUtterances
	}
	whole := make(map[string]bool, len(p.CancelUtterances))
	for _, u := range p.CancelUtterances {
		if u = bare(u); u != "" {
			whole[u] = true
		}
	}
	return &Screens{
		emergency:   compile(p.Emergency),
		cancel:      compile(p.Cancel),
		cancelWhole: whole,
		outOfScope:  compile(p.OutOfScope),
	}
}

// Default returns screens with the built-in phrase lists.
func Default() *Screens {
	return New(Phrases{})
}

// Emergency reports an emergency indicator in text.
func (s *Screens) Emergency(text string) (Hit, bool) {
	return match(KindEmergency, s.emergency, text)
}

// Cancel reports an explicit cancellation request.
func (s *Screens) Cancel(text string) (Hit, bool) {
	if u := bare(text); s.cancelWhole[u] {
		return Hit{Kind: KindCancel, Phrase: u}, true
	}
	return match(KindCancel, s.cancel, text)
}

// OutOfScope reports a configured hard out-of-scope phrase.
func (s *Screens) OutOfScope(text string) (Hit, bool) {
	return match(KindOutOfScope, s.outOfScope, text)
}

// compile lowercases phrases and orders them longest first so the most
// specific phrase is reported.
func compile(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	seen := map[string]bool{}
	for _, p := range phrases {
		p = normalize(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i]) > len(out[j])
	})
	return out
}

func match(kind Kind, phrases []string, text string) (Hit, bool) {
	norm := normalize(text)
	for _, p := range phrases {
		if containsPhrase(norm, p) {
			return Hit{Kind: kind, Phrase: p}, true
		}
	}
	return Hit{}, false
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'")

func normalize(s string) string {
	s = apostrophes.Replace(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

// bare normalizes s and drops punctuation, so "Never mind." and
// "never mind!" compare equal.
func bare(s string) string {
	return normalize(strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			return r
		}
		return ' '
	}, normalize(s)))
}

// containsPhrase reports whether phrase occurs in text on word boundaries.
// Every occurrence is tried, so "heart attacks" does not hide a later
// "heart attack".
func containsPhrase(text, phrase string) bool {
	from := 0
	for from <= len(text)-len(phrase) {
		idx := strings.Index(text[from:], phrase)
		if idx == -1 {
			return false
		}
		idx += from
		end := idx + len(phrase)
		before := idx == 0 || !isWordChar(text[idx-1])
		after := end == len(text) || !isWordChar(text[end])
		if before && after {
			return true
		}
		from = idx + 1
	}
	return false
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
