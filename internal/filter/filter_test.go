// ABOUTME: Tests for the keyword filter policy.
// ABOUTME: Covers include/exclude interaction, case folding, and CSV parsing.

package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Passes(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		include []string
		exclude []string
		want    bool
	}{
		{"empty lists pass everything", "anything at all", nil, nil, true},
		{"empty lists pass empty text", "", nil, nil, true},
		{"include miss rejects", "hello world", []string{"hi"}, nil, false},
		{"include hit passes", "hello world", []string{"hello"}, nil, true},
		{"any include term is enough", "hello world", []string{"nope", "world"}, nil, true},
		{"exclude wins over include", "hello world", []string{"hello"}, []string{"world"}, false},
		{"exclude alone rejects", "spam offer", nil, []string{"spam"}, false},
		{"exclude miss passes", "regular update", nil, []string{"spam"}, true},
		{"case-insensitive include", "HELLO", []string{"hello"}, nil, true},
		{"case-insensitive exclude", "buy NOW", nil, []string{"now"}, false},
		{"include with empty text rejects", "", []string{"urgent"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{Include: tt.include, Exclude: tt.exclude}
			assert.Equal(t, tt.want, p.Passes(tt.text))
		})
	}
}

func TestParseKeywords(t *testing.T) {
	assert.Nil(t, ParseKeywords(""))
	assert.Equal(t, []string{"a", "b"}, ParseKeywords("a,b"))
	assert.Equal(t, []string{"urgent", "meeting"}, ParseKeywords(" urgent , meeting "))
	assert.Empty(t, ParseKeywords(" , ,, "))
	assert.Equal(t, []string{"one"}, ParseKeywords("one,"))
}

func TestParseKeywords_EmptyTermsNeverMatch(t *testing.T) {
	// A bare comma list parses to nothing, so the include side stays empty
	// and everything passes rather than matching the empty string.
	p := Policy{Include: ParseKeywords(" , ")}
	assert.True(t, p.Passes("whatever"))
}
