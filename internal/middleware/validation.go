package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxUserIDLength = 64

// ValidateMessageID validates a message ID.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateNotificationID validates a notification ID.
func ValidateNotificationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid notification ID format")
	}
	return nil
}

// ValidateLocator validates an attachment locator.
func ValidateLocator(locator string) error {
	if _, err := uuid.Parse(locator); err != nil {
		return errors.New("invalid attachment locator format")
	}
	return nil
}

// ValidateUserID validates a counterpart user ID taken from the path.
func ValidateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > maxUserIDLength {
		return errors.New("user ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("user ID must be valid UTF-8")
	}
	return nil
}
