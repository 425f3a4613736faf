// Package mention implements @mention handling for the message composer:
// trigger detection at the caret, suggestions, token insertion, tracking of
// mentions still present in a draft, and splitting stored content into
// text and mention spans.
//
// Offsets and carets are rune indices into the text. RuneOffset and
// UTF16Offset convert to and from the UTF-16 offsets browsers use.
package mention

import (
	"strings"
	"unicode"
)

const (
	openers     = "([{"
	terminators = ".,;:!?"
)

// Trigger describes the mention being typed at the caret, if any.
type Trigger struct {
	Active bool   `json:"active"`
	Start  int    `json:"start"` // offset of the '@'
	Query  string `json:"query"`
}

// Detect reports whether the caret sits inside an "@query" trigger.
func Detect(text string, caret int) Trigger {
	rs := []rune(text)
	caret = clamp(caret, len(rs))

	at := -1
	for i := caret - 1; i >= 0; i-- {
		if rs[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return Trigger{}
	}

	if at > 0 {
		prev := rs[at-1]
		if !unicode.IsSpace(prev) && !strings.ContainsRune(openers, prev) {
			return Trigger{}
		}
	}

	query := rs[at+1 : caret]
	for _, r := range query {
		if unicode.IsSpace(r) || strings.ContainsRune(terminators, r) {
			return Trigger{}
		}
	}
	return Trigger{Active: true, Start: at, Query: string(query)}
}

// Token is the literal text inserted for a mention of label.
func Token(label string) string {
	return "@" + label
}

// Insert replaces the trigger span up to the caret with "@label " and
// returns the new text and caret position.
func Insert(text string, trig Trigger, caret int, label string) (string, int) {
	rs := []rune(text)
	caret = clamp(caret, len(rs))
	start := clamp(trig.Start, caret)

	token := []rune(Token(label) + " ")
	out := make([]rune, 0, len(rs)+len(token))
	out = append(out, rs[:start]...)
	out = append(out, token...)
	out = append(out, rs[caret:]...)
	return string(out), start + len(token)
}

func clamp(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}
