// Package moderation screens outgoing message text. A Filter blocks a
// configurable list of terms and, optionally, contact details and flooding
// patterns that are used to move a booking off the platform.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of Check. A zero value means the text passed.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_term" or "spam_pattern"
	Term    string // matched term, or the name of the spam check
}

// Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
	spam    bool
}

// Option configures a Filter.
type Option func(*Filter)

// WithoutSpamChecks disables the url, phone and flooding checks.
func WithoutSpamChecks() Option {
	return func(f *Filter) { f.spam = false }
}

// defaultTerms is intentionally short; deployments pass their own list.
var defaultTerms = []string{
	"idiota",
	"estafa",
	"scam",
	"pay outside the app",
	"paga por fuera",
}

// NewFilter creates a Filter with the default term list.
func NewFilter(opts ...Option) *Filter {
	return NewFilterWithTerms(defaultTerms, opts...)
}

// NewFilterWithTerms creates a Filter blocking terms. Single words match
// whole tokens; multi-word terms match as a phrase. Matching ignores case.
func NewFilterWithTerms(terms []string, opts ...Option) *Filter {
	f := &Filter{words: make(map[string]struct{}), spam: true}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		switch {
		case t == "":
		case strings.ContainsFunc(t, unicode.IsSpace):
			f.phrases = append(f.phrases, strings.Join(strings.Fields(t), " "))
		default:
			f.words[t] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Check screens text. Blocked terms are checked before spam patterns.
func (f *Filter) Check(text string) FilterResult {
	tokens := tokenize(text)
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: "blocked_term", Term: tok}
		}
	}
	if len(f.phrases) > 0 {
		joined := " " + strings.Join(tokens, " ") + " "
		for _, p := range f.phrases {
			if strings.Contains(joined, " "+p+" ") {
				return FilterResult{Blocked: true, Reason: "blocked_term", Term: p}
			}
		}
	}
	if f.spam {
		return checkSpamPatterns(text)
	}
	return FilterResult{}
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
