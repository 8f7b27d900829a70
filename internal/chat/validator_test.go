package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	got, err := NormalizeText("  Hola, ¿a qué hora sale el tour?\n")
	require.NoError(t, err)
	assert.Equal(t, "Hola, ¿a qué hora sale el tour?", got)

	_, err = NormalizeText("   \t\n")
	assert.ErrorIs(t, err, errEmptyText)
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"plain", "hello", true},
		{"empty", "", false},
		{"max chars", strings.Repeat("a", MaxTextChars), true},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), false},
		{"multibyte within char limit but over bytes", strings.Repeat("€", 1500), false},
		{"invalid utf8", "bad \xff byte", false},
		{"line breaks and tabs", "día 1:\tLima\r\ndía 2:\tCusco", true},
		{"control character", "bell \x07 here", false},
		{"c1 control character", "next \u0085 line", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
