package models

import "errors"

// Sentinel errors shared across the storage layer. Store methods convert
// driver failures into these so callers can branch with errors.Is.
var (
	ErrUploadNotFound = errors.New("upload not found")
	ErrEntryNotFound  = errors.New("cache entry not found")
	ErrJobNotFound    = errors.New("job not found")

	ErrDuplicateUpload = errors.New("upload already exists")
	ErrDuplicateEntry  = errors.New("cache entry already exists")
	ErrDuplicateJob    = errors.New("job already exists")
)
