package mention

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/domain"
)

func isBoundary(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func leftBounded(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return isBoundary(r)
}

func rightBounded(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[end:])
	return isBoundary(r)
}

// CountTokens counts occurrences of token in text that are bounded on both
// sides by start/end of text, whitespace or punctuation.
func CountTokens(text, token string) int {
	if token == "" {
		return 0
	}
	n := 0
	for offset := 0; offset < len(text); {
		i := strings.Index(text[offset:], token)
		if i < 0 {
			break
		}
		start := offset + i
		end := start + len(token)
		if leftBounded(text, start) && rightBounded(text, end) {
			n++
			offset = end
			continue
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return n
}

// ContainsToken reports whether text contains token as a whole mention.
func ContainsToken(text, token string) bool {
	return CountTokens(text, token) > 0
}

// Span is a piece of rendered message content.
type Span struct {
	Text    string `json:"text"`
	Mention bool   `json:"mention"`
}

// Partition splits content into text and mention spans. A mention span is
// an exact "@label" match with bounded ends; when labels overlap the longest
// one wins.
func Partition(content string, labels []string) []Span {
	uniq := make([]string, 0, len(labels))
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		uniq = append(uniq, l)
	}
	sort.SliceStable(uniq, func(i, j int) bool { return len(uniq[i]) > len(uniq[j]) })

	var spans []Span
	textStart := 0
	for i := 0; i < len(content); {
		if content[i] == '@' && leftBounded(content, i) {
			if tok, ok := matchAt(content, i, uniq); ok {
				if textStart < i {
					spans = append(spans, Span{Text: content[textStart:i]})
				}
				spans = append(spans, Span{Text: tok, Mention: true})
				i += len(tok)
				textStart = i
				continue
			}
		}
		_, size := utf8.DecodeRuneInString(content[i:])
		i += size
	}
	if textStart < len(content) {
		spans = append(spans, Span{Text: content[textStart:]})
	}
	return spans
}

func matchAt(content string, i int, labels []string) (string, bool) {
	for _, l := range labels {
		tok := Token(l)
		if strings.HasPrefix(content[i:], tok) && rightBounded(content, i+len(tok)) {
			return tok, true
		}
	}
	return "", false
}

type tracked struct {
	UserID uuid.UUID
	Label  string
}

// Draft tracks the users mentioned in a message being composed. A mention
// stays tracked while its token is still present in the text.
type Draft struct {
	mentions []tracked
}

// Add records a mention inserted for ident.
func (d *Draft) Add(ident domain.Identity) {
	for _, m := range d.mentions {
		if m.UserID == ident.ID {
			return
		}
	}
	d.mentions = append(d.mentions, tracked{UserID: ident.ID, Label: ident.DisplayName()})
}

// Sync drops mentions whose token no longer appears in text. When several
// tracked users share a label, the earliest added are kept, one per
// remaining occurrence.
func (d *Draft) Sync(text string) {
	remaining := make(map[string]int)
	kept := d.mentions[:0]
	for _, m := range d.mentions {
		n, ok := remaining[m.Label]
		if !ok {
			n = CountTokens(text, Token(m.Label))
		}
		if n > 0 {
			kept = append(kept, m)
			n--
		}
		remaining[m.Label] = n
	}
	d.mentions = kept
}

// UserIDs returns the tracked users in insertion order.
func (d *Draft) UserIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(d.mentions))
	for i, m := range d.mentions {
		ids[i] = m.UserID
	}
	return ids
}

// Excluded returns the tracked users as a set for Suggest.
func (d *Draft) Excluded() map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(d.mentions))
	for _, m := range d.mentions {
		out[m.UserID] = struct{}{}
	}
	return out
}

func (d *Draft) Reset() {
	d.mentions = nil
}
