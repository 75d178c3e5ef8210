package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrProjectNotFound = errors.New("project not found")
	// ErrStaleVersion is returned when a snapshot is older than the stored one.
	ErrStaleVersion = errors.New("project version is older than the stored snapshot")
)
