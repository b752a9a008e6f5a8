// Package lexicon matches configured keywords against headline text.
//
// Terms match case-insensitively as substrings, except that an ASCII letter
// or digit at either end of a term must sit on a word boundary: "ST" hits
// "*ST康美" and "被ST" but not "latest", and "AI" does not hit "said".
package lexicon

import (
	"strings"
	"unicode/utf8"
)

type Term struct {
	// Word is the term as configured, trimmed.
	Word   string
	needle string
	left   bool
	right  bool
}

// Text is a headline prepared once for matching against many terms.
type Text struct {
	folded string
}

func NewText(s string) Text {
	return Text{folded: strings.ToLower(s)}
}

// Fold is the key terms are deduplicated on.
func Fold(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}

// Compile prepares one term. Blank words report false.
func Compile(word string) (Term, bool) {
	word = strings.TrimSpace(word)
	if word == "" {
		return Term{}, false
	}
	t := Term{Word: word, needle: strings.ToLower(word)}
	t.left = isWordByte(word[0])
	t.right = isWordByte(word[len(word)-1])
	return t, true
}

// CompileAll compiles words, dropping blanks and case-insensitive repeats.
func CompileAll(words []string) []Term {
	seen := make(map[string]struct{}, len(words))
	out := make([]Term, 0, len(words))
	for _, w := range words {
		t, ok := Compile(w)
		if !ok {
			continue
		}
		key := Fold(w)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

// In reports whether the term occurs in text.
func (t Term) In(text Text) bool {
	hay := text.folded
	if !t.left && !t.right {
		return strings.Contains(hay, t.needle)
	}
	for from := 0; from <= len(hay)-len(t.needle); {
		i := strings.Index(hay[from:], t.needle)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(t.needle)
		if (!t.left || start == 0 || !isWordByte(hay[start-1])) &&
			(!t.right || end == len(hay) || !isWordByte(hay[end])) {
			return true
		}
		_, size := utf8.DecodeRuneInString(hay[start:])
		from = start + size
	}
	return false
}

// Hits returns the configured words of every term found in text.
func Hits(terms []Term, text Text) []string {
	var out []string
	for _, t := range terms {
		if t.In(text) {
			out = append(out, t.Word)
		}
	}
	return out
}

func Words(terms []Term) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.Word
	}
	return out
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
