package coordinator

import "errors"

var (
	ErrForbidden       = errors.New("doctor does not own the session")
	ErrPatientMismatch = errors.New("device patient does not match the session")
	ErrUploadTooLarge  = errors.New("uploaded result exceeds the size limit")
)
