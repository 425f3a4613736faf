package mention

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/vedran77/portal/internal/domain"
)

// SuggestionLimit caps the number of suggestions returned.
const SuggestionLimit = 6

// letters without a canonical decomposition
var foldReplacer = strings.NewReplacer(
	"ł", "l", "Ł", "l",
	"đ", "d", "Đ", "d",
	"ø", "o", "Ø", "o",
	"ß", "ss",
	"æ", "ae", "Æ", "ae",
)

// Fold lowercases s and strips diacritics, so "Đurđević" matches "durdevic".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(foldReplacer.Replace(out))
}

func emailLocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return strings.NewReplacer(".", " ", "_", " ", "-", " ", "+", " ").Replace(local)
}

// Suggest returns up to SuggestionLimit candidates matching query, in
// directory order, skipping excluded users. An empty query returns the
// first candidates.
func Suggest(candidates []domain.Identity, query string, exclude map[uuid.UUID]struct{}) []domain.Identity {
	q := Fold(strings.TrimSpace(query))
	out := make([]domain.Identity, 0, SuggestionLimit)

	for _, c := range candidates {
		if _, skip := exclude[c.ID]; skip {
			continue
		}
		if q != "" && !matches(c, q) {
			continue
		}
		out = append(out, c)
		if len(out) == SuggestionLimit {
			break
		}
	}
	return out
}

func matches(c domain.Identity, folded string) bool {
	fields := []string{
		c.DisplayName(),
		c.FirstName,
		c.LastName,
		emailLocalPart(c.Email),
	}
	for _, f := range fields {
		if f != "" && strings.Contains(Fold(f), folded) {
			return true
		}
	}
	return false
}
