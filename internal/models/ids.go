package models

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewFileID returns a fresh upload identifier: "f_" followed by 32 lowercase
// hex characters. Identifiers are random rather than content-derived so that
// deduplicated uploads still get distinct handles.
func NewFileID() string {
	return "f_" + randomHex32()
}

// NewJobID returns a fresh job identifier: "j_" followed by 32 lowercase hex
// characters.
func NewJobID() string {
	return "j_" + randomHex32()
}

func randomHex32() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
