package util

import (
	"github.com/google/uuid"
)

// NewPasteID returns a random (v4) UUID string.
func NewPasteID() string {
	return uuid.NewString()
}

// ValidID reports whether s is a canonical UUID as produced by NewPasteID.
func ValidID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
