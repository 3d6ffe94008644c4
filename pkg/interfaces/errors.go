package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrResultNotFound   = errors.New("session result not found")
	ErrPatientNotFound  = errors.New("patient not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrStaleState       = errors.New("session state changed concurrently")
)
