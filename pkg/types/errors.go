package types

import "errors"

var (
	ErrInvalidContentType = errors.New("content type must be one of NONE, BALANCEBALL, FITBOX, TENNISBALL")
	ErrInvalidLevel       = errors.New("level must be a positive integer")
	ErrInvalidDoctorID    = errors.New("doctor id must be positive")
	ErrInvalidPatientID   = errors.New("patient id must be positive")
	ErrInvalidDuration    = errors.New("session duration must be positive")
	ErrInvalidPatientCode = errors.New("patient code must be 1-64 characters, alphanumeric + underscore/hyphen only")
)
