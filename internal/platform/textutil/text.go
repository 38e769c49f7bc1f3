package textutil

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/width"
)

const maxNoteRunes = 500

var notePolicy = bluemonday.StrictPolicy()

// NormalizeCode canonicalises a cashier-typed coupon or stored-value code: full-width characters
// are folded to ASCII, whitespace and separators dropped, letters upper-cased.
func NormalizeCode(code string) string {
	folded := width.Fold.String(code)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// SanitizeNote strips markup from a free-text order note and bounds its length.
func SanitizeNote(note string) string {
	cleaned := html.UnescapeString(notePolicy.Sanitize(note))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) <= maxNoteRunes {
		return cleaned
	}
	runes := []rune(cleaned)
	return strings.TrimSpace(string(runes[:maxNoteRunes]))
}

// NormalizeStringMap trims keys and values, removing entries with empty keys or values.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
