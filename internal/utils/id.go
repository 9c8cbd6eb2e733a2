package utils

import "github.com/google/uuid"

// NewID returns a unique identifier for messages and conversations.
func NewID() string {
	return uuid.NewString()
}
