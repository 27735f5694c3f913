package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // max message payload size
	MaxContentChars = 2000 // max character count
)

// ValidationError reports malformed client input: empty content, oversized
// content, or missing identifiers.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "chat: " + e.Msg
}

// ValidateContent checks that message content meets the content requirements.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return &ValidationError{Msg: "message content is empty"}
	}
	if len(content) > MaxContentBytes {
		return &ValidationError{Msg: fmt.Sprintf("message exceeds %d byte limit", MaxContentBytes)}
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return &ValidationError{Msg: fmt.Sprintf("message exceeds %d character limit", MaxContentChars)}
	}
	if !utf8.ValidString(content) {
		return &ValidationError{Msg: "message contains invalid UTF-8"}
	}
	return nil
}

// ValidateID checks that a client-supplied identifier is present and sane.
func ValidateID(field, id string) error {
	if id == "" {
		return &ValidationError{Msg: field + " is required"}
	}
	if len(id) > 128 {
		return &ValidationError{Msg: field + " is malformed"}
	}
	return nil
}
