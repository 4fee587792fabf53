package worker

import (
	"strings"
	"unicode"

	"github.com/dreamware/spellnet/internal/lexicon"
)

// trimmedPunctuation is stripped from both ends of a token before lookup.
const trimmedPunctuation = ".,!?;:\"'()"

// Annotate wraps every token of text that is not in lex in square brackets.
// Tokens are split on whitespace; lookups use the punctuation-trimmed,
// lower-cased token while the output keeps the token and all whitespace
// exactly as submitted. Tokens made only of punctuation are left alone.
func Annotate(text string, lex lexicon.Lexicon) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)

	writeToken := func(tok string) {
		clean := strings.ToLower(strings.Trim(tok, trimmedPunctuation))
		if clean == "" || lex.Contains(clean) {
			b.WriteString(tok)
			return
		}
		b.WriteByte('[')
		b.WriteString(tok)
		b.WriteByte(']')
	}

	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				writeToken(text[start:i])
				start = -1
			}
			b.WriteRune(r)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		writeToken(text[start:])
	}
	return b.String()
}

// parseWordList splits a comma separated word list, normalizing each word
// and dropping blanks and repeats. An entry containing whitespace yields
// each of its fields as a separate word.
func parseWordList(payload string) []string {
	seen := make(map[string]struct{})
	var words []string
	for _, raw := range strings.Split(payload, ",") {
		for _, field := range strings.Fields(raw) {
			w := lexicon.Normalize(field)
			if _, dup := seen[w]; dup {
				continue
			}
			seen[w] = struct{}{}
			words = append(words, w)
		}
	}
	return words
}
