package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpamPatterns(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name  string
		input string
		term  string
	}{
		{"http url", "me http://evil.com", "url"},
		{"www url", "www.phishing.net", "url"},
		{"bare domain with path", "evil.com/free", "url"},
		{"dashed phone", "+1-555-123-4567", "phone"},
		{"parenthesized phone", "(555) 123-4567", "phone"},
		{"dotted phone", "call 555.123.4567", "phone"},
		{"at handle", "add @cool_kid99", "handle"},
		{"snap handle", "snap: coolkid", "handle"},
		{"telegram handle", "tg=someone", "handle"},
		{"char flood", "heyyyyy", "char_flood"},
		{"word flood", "hi hi HI", "word_flood"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.Check(tt.input)
			assert.True(t, res.Blocked)
			assert.Equal(t, "spam_pattern", res.Reason)
			assert.Equal(t, tt.term, res.Term)
		})
	}
}

func TestSpamPatterns_Clean(t *testing.T) {
	f := NewFilterWithTerms(nil)

	for _, in := range []string{
		"Alex",
		"version 2.0",
		"pi is 3.14",
		"born in 1999",
		"email@ home",
		"coffee",
		"heyyy",
		"hi hi there",
		"science fiction",
	} {
		assert.False(t, f.Check(in).Blocked, in)
	}
}

func TestSpamPatterns_KeywordWinsOverSpam(t *testing.T) {
	f := NewFilterWithTerms([]string{"scam"})

	res := f.Check("scam http://x.com")
	assert.Equal(t, "blocked_keyword", res.Reason)
	assert.Equal(t, "scam", res.Term)
}
