package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFilter_DefaultBlocklist(t *testing.T) {
	f := NewFilter()
	require.NotNil(t, f)
	assert.NotEmpty(t, f.words)
	assert.NotEmpty(t, f.phrases)

	for _, name := range []string{"send nudes pls", "KYS", "free bitcoin here"} {
		assert.True(t, f.Check(name).Blocked, name)
	}
}

func TestCheck_Words(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "offensive"})

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"exact", "badword", true, "badword"},
		{"in name", "the badword guy", true, "badword"},
		{"upper case", "BADWORD", true, "badword"},
		{"punctuation", "hi, badword!", true, "badword"},
		{"clean", "Sam from Oslo", false, ""},
		{"prefix of longer word", "badwording", false, ""},
		{"suffix of longer word", "mybadword", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.Check(tt.input)
			assert.Equal(t, tt.blocked, res.Blocked)
			if tt.blocked {
				assert.Equal(t, "blocked_keyword", res.Reason)
				assert.Equal(t, tt.term, res.Term)
			}
		})
	}
}

func TestCheck_Phrases(t *testing.T) {
	f := NewFilterWithTerms([]string{"kill yourself", "go die"})

	assert.Equal(t, "kill yourself", f.Check("please Kill   Yourself now").Term)
	assert.True(t, f.Check("go-die").Blocked)
	assert.False(t, f.Check("kill the lights yourself").Blocked)
	assert.False(t, f.Check("go").Blocked)
}

func TestCheck_Leetspeak(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "go die"})

	assert.True(t, f.Check("b@dw0rd").Blocked)
	assert.True(t, f.Check("B4DW0RD").Blocked)
	assert.True(t, f.Check("g0 d!e").Blocked)
	assert.False(t, f.Check("l33t gamer").Blocked)
}

func TestCheck_Empty(t *testing.T) {
	f := NewFilter()
	assert.Equal(t, FilterResult{}, f.Check(""))
}

func TestCheckInterests(t *testing.T) {
	f := NewFilterWithTerms([]string{"nudes"})

	clean := f.CheckInterests([]string{"music", "nudes", "hiking", "www.spam.net", "chess"})
	assert.Equal(t, []string{"music", "hiking", "chess"}, clean)

	assert.Empty(t, f.CheckInterests(nil))
	assert.Equal(t, []string{"a", "b"}, f.CheckInterests([]string{"a", "b"}))
}

func TestNewFilterWithTerms_IgnoresBlank(t *testing.T) {
	f := NewFilterWithTerms([]string{"", "   ", "--", "ok term"})
	assert.Empty(t, f.words)
	require.Len(t, f.phrases, 1)
	assert.Equal(t, []string{"ok", "term"}, f.phrases[0])
}

func TestNormalizeLeet(t *testing.T) {
	tests := map[string]string{
		"h3ll0":  "hello",
		"$p@m":   "spam",
		"7r4!n":  "train",
		"PLAIN":  "plain",
		"":       "",
		"a1b5c0": "aibsco",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeLeet(in), in)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, tokenizePlain("Hello, World!"))
	assert.Empty(t, tokenizePlain("!!!"))
	assert.Equal(t, []string{"b@d", "w0rd!"}, tokenizeLeet("b@d, w0rd!"))
	assert.Equal(t, []string{"$cash$"}, tokenizeLeet("  $cash$  "))
}
