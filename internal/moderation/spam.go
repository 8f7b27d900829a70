package moderation

import (
	"regexp"
	"strings"
)

// Contact details are blocked so bookings and payments stay in the app.
var (
	// A bare domain needs a trailing "/" so prices like "3.50" and times
	// like "9.30" do not match.
	linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|pe|info|biz|travel|tours)/\S*|wa\.me/\S+)`)

	// Matches +51 987 654 321, (01) 234-5678, 987.654.321. Anchored to
	// whitespace so dates and booking codes do not match.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 8
	wordFloodRun = 4
)

// spamChecks run in order; the first match names the result.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{"url", linkPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", func(s string) bool { return longestRun([]rune(s)) >= charFloodRun }},
	{"word_flood", func(s string) bool { return longestRun(strings.Fields(strings.ToLower(s))) >= wordFloodRun }},
}

func checkSpamPatterns(text string) FilterResult {
	for _, c := range spamChecks {
		if c.match(text) {
			return FilterResult{Blocked: true, Reason: "spam_pattern", Term: c.name}
		}
	}
	return FilterResult{}
}

// longestRun returns the length of the longest run of equal adjacent items.
func longestRun[T comparable](items []T) int {
	best, run := 0, 0
	for i, it := range items {
		if i > 0 && it == items[i-1] {
			run++
		} else {
			run = 1
		}
		best = max(best, run)
	}
	return best
}
