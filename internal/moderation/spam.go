package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// Bare domains need a trailing path so "v2.0" and "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf|gg|me)/\S*)`)

	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)

	// @handle or "snap: handle" style contact hand-offs in a display name.
	handlePattern = regexp.MustCompile(`(?i)(^|\s)@[a-z0-9_.]{3,}|\b(snap|sc|insta|ig|telegram|tg|kik|discord)\s*[:=]\s*\S+`)
)

type spamCheck struct {
	name  string
	match func(string) bool
}

// First match wins.
var spamChecks = []spamCheck{
	{name: "url", match: urlPattern.MatchString},
	{name: "phone", match: phonePattern.MatchString},
	{name: "handle", match: handlePattern.MatchString},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// hasCharFlood reports five or more identical consecutive runes.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
			continue
		}
		count = 1
		prev = r
	}
	return false
}

// hasWordFlood reports the same word three or more times in a row,
// ignoring case.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
			continue
		}
		count = 1
		prev = lower
	}
	return false
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return FilterResult{}
}
