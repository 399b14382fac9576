package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxNameChars    = 32
)

var validate = validator.New()

type identity struct {
	Name string `validate:"required,max=32"`
}

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// NormalizeName trims a display name and checks it is usable. The returned
// name is what the relay stores and shows to others.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("name contains invalid UTF-8")
	}
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	if err := validate.Struct(identity{Name: name}); err != nil {
		return "", fmt.Errorf("name must be at most %d characters", MaxNameChars)
	}
	if strings.ContainsAny(name, "\n\r\t") {
		return "", fmt.Errorf("name must be a single line")
	}
	return name, nil
}
