package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// Bare domains need a path so "v2.0" and "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// +1-555-123-4567, (555) 123-4567, 555.123.4567. Anchored on whitespace so
	// short numbers inside a sentence are left alone.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 5
	wordFloodRun = 3
)

type spamRule struct {
	name        string
	description string
	match       func(string) bool
}

// First match wins.
var spamRules = []spamRule{
	{name: "url", description: "links are not allowed", match: urlPattern.MatchString},
	{name: "phone", description: "phone numbers are not allowed", match: phonePattern.MatchString},
	{name: "char_flood", description: "too many repeated characters", match: hasCharFlood},
	{name: "word_flood", description: "too many repeated words", match: hasWordFlood},
}

// hasCharFlood reports a run of charFloodRun identical runes. RE2 has no
// backreferences, hence the scan.
func hasCharFlood(text string) bool {
	run := 0
	prev := rune(-1)
	for _, r := range text {
		if r != prev {
			prev, run = r, 0
		}
		run++
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

// hasWordFlood reports the same whitespace-delimited word repeated
// wordFloodRun times in a row, ignoring case.
func hasWordFlood(text string) bool {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < wordFloodRun {
		return false
	}

	run := 0
	prev := ""
	for _, w := range words {
		w = fold(w)
		if w != prev {
			prev, run = w, 0
		}
		run++
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, rule := range spamRules {
		if rule.match(text) {
			return FilterResult{Blocked: true, Reason: ReasonSpamPattern, Term: rule.name}
		}
	}
	return FilterResult{}
}

// Describe turns a blocking result into a short explanation that can be shown
// to the sender. Matched denylist terms are never echoed back.
func Describe(r FilterResult) string {
	if !r.Blocked {
		return ""
	}
	if r.Reason == ReasonSpamPattern {
		for _, rule := range spamRules {
			if rule.name == r.Term {
				return "Message blocked: " + rule.description + "."
			}
		}
	}
	return "Message blocked: it contains language that is not allowed here."
}
