// Package moderation screens message content against a blocklist and keeps
// the warning ledger. Matched terms are redacted rather than causing the
// message to be rejected: flagged messages are still delivered in filtered
// form (soft moderation).
package moderation

import (
	"strings"
	"unicode"
)

// defaultTerms is the built-in blocklist. Deployments extend it via
// NewFilterWithTerms; phrases (terms containing spaces) are matched as
// whole word sequences.
var defaultTerms = []string{
	"idiot",
	"moron",
	"stupid",
	"loser",
	"shut up",
	"kill yourself",
	"go die",
	"hate you",
}

// leetMap normalizes common character substitutions so "b@dw0rd" still
// matches "badword". Every mapping is rune-for-rune, which keeps the
// normalized text the same length as the original so matched spans can be
// redacted in place.
var leetMap = map[rune]rune{
	'@': 'a',
	'4': 'a',
	'3': 'e',
	'1': 'i',
	'!': 'i',
	'0': 'o',
	'$': 's',
	'5': 's',
	'7': 't',
}

// Result describes the outcome of filtering one message.
type Result struct {
	Content string   // redacted content, equal to the input when clean
	Flagged bool     // true iff Content differs from the input
	Terms   []string // blocklist terms that matched, in match order
}

// Filter matches message content against a blocklist, case-insensitively
// and tolerant of leetspeak substitutions. It is immutable after
// construction and safe for concurrent use.
type Filter struct {
	terms []string // normalized, lowercase
}

// NewFilter creates a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter with a custom blocklist. Empty terms
// are dropped; the rest are normalized once up front.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{}
	for _, t := range terms {
		norm := string(normalize([]rune(strings.TrimSpace(t))))
		if norm != "" {
			f.terms = append(f.terms, norm)
		}
	}
	return f
}

// Apply screens content and returns the redacted text. Matched spans are
// replaced rune-for-rune with '*'; Flagged is true iff anything was
// redacted, which is exactly the condition "stored content differs from
// submitted content".
func (f *Filter) Apply(content string) Result {
	original := []rune(content)
	norm := normalize(original)
	out := make([]rune, len(original))
	copy(out, original)

	var matched []string
	for _, term := range f.terms {
		termRunes := []rune(term)
		hit := false
		for _, start := range occurrences(norm, termRunes, original) {
			for i := start; i < start+len(termRunes); i++ {
				out[i] = '*'
			}
			hit = true
		}
		if hit {
			matched = append(matched, term)
		}
	}

	filtered := string(out)
	return Result{
		Content: filtered,
		Flagged: filtered != content,
		Terms:   matched,
	}
}

// normalize lowercases and applies leet substitutions rune-for-rune.
func normalize(in []rune) []rune {
	out := make([]rune, len(in))
	for i, r := range in {
		r = unicode.ToLower(r)
		if sub, ok := leetMap[r]; ok {
			r = sub
		}
		out[i] = r
	}
	return out
}

// occurrences returns the start indexes of every whole-word occurrence of
// term inside norm. Word boundaries are judged on the original runes, so
// punctuation (including leet characters outside the match) delimits words
// while "mybadword" and "badwording" stay clean.
func occurrences(norm, term, original []rune) []int {
	var starts []int
	for i := 0; i+len(term) <= len(norm); i++ {
		if !matchAt(norm, term, i) {
			continue
		}
		if i > 0 && isWordRune(original[i-1]) {
			continue
		}
		if end := i + len(term); end < len(original) && isWordRune(original[end]) {
			continue
		}
		starts = append(starts, i)
	}
	return starts
}

func matchAt(norm, term []rune, at int) bool {
	for j, r := range term {
		if norm[at+j] != r {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
