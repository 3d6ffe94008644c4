package types

import (
	"regexp"
	"strings"
)

var patientCodeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ParseContentType accepts a content type name case-insensitively.
func ParseContentType(s string) (ContentType, error) {
	ct := ContentType(strings.ToUpper(strings.TrimSpace(s)))
	if !ct.Valid() {
		return "", ErrInvalidContentType
	}
	return ct, nil
}

// Valid reports whether ct is a known content type.
func (ct ContentType) Valid() bool {
	switch ct {
	case ContentNone, ContentBalanceBall, ContentFitBox, ContentTennisBall:
		return true
	}
	return false
}

// Validate checks the fields a caller supplies when creating a session.
func (s *Session) Validate() error {
	if s.DoctorID <= 0 {
		return ErrInvalidDoctorID
	}
	if s.PatientID <= 0 {
		return ErrInvalidPatientID
	}
	if !s.ContentType.Valid() {
		return ErrInvalidContentType
	}
	if s.Level <= 0 {
		return ErrInvalidLevel
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return ErrInvalidDuration
	}
	return nil
}

// IsValidPatientCode checks the format of a device handshake code.
func IsValidPatientCode(code string) bool {
	return len(code) >= 1 && len(code) <= 64 && patientCodeRegex.MatchString(code)
}
