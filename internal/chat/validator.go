package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // stored text size limit
	MaxTextChars    = 2000 // max character count
)

// errEmptyText is the validation error for blank messages.
var errEmptyText = errors.New("message text is empty")

// NormalizeText trims surrounding whitespace and checks that the result meets
// content requirements. It returns the text to persist.
func NormalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if err := ValidateMessage(text); err != nil {
		return "", err
	}
	return text, nil
}

// ValidateMessage checks that already trimmed text meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return errEmptyText
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if strings.IndexFunc(text, isDisallowedControl) >= 0 {
		return fmt.Errorf("message contains control characters")
	}
	return nil
}

// isDisallowedControl reports control characters other than line breaks and
// tabs.
func isDisallowedControl(r rune) bool {
	return unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r'
}
