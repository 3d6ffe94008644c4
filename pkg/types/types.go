package types

import (
	"time"
)

// State is the lifecycle state of a diagnosis session.
type State string

const (
	StateReady     State = "READY"
	StateStarted   State = "STARTED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
)

// IsTerminal reports whether no further transition may leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// IsLive reports whether s is READY or STARTED.
func (s State) IsLive() bool {
	return s == StateReady || s == StateStarted
}

// ContentType selects the VR exercise a device runs.
type ContentType string

const (
	ContentNone        ContentType = "NONE"
	ContentBalanceBall ContentType = "BALANCEBALL"
	ContentFitBox      ContentType = "FITBOX"
	ContentTennisBall  ContentType = "TENNISBALL"
)

// Session is one doctor-initiated diagnosis run on one patient's device.
// ARCHITECTURAL DISCOVERY: State only ever moves through the transition table
// owned by the session package; storage never decides a transition itself.
type Session struct {
	ID          int64       `json:"id" db:"id"`
	DoctorID    int64       `json:"doctor_id" db:"doctor_id"`
	PatientID   int64       `json:"patient_id" db:"patient_id"`
	Code        string      `json:"code" db:"code"`
	ContentType ContentType `json:"type" db:"type"`
	Level       int         `json:"level" db:"level"`
	State       State       `json:"state" db:"state"`
	ExpiresAt   time.Time   `json:"expired_at" db:"expired_at"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// IsExpired reports whether a live session has outlived its expiry at now.
func (s *Session) IsExpired(now time.Time) bool {
	return s.State.IsLive() && now.After(s.ExpiresAt)
}

// SessionResult holds the artifacts and metrics of a COMPLETED session.
type SessionResult struct {
	ID            int64     `json:"id" db:"id"`
	SessionID     int64     `json:"diagnosis_id" db:"diagnosis_id"`
	OriginalPath  string    `json:"original_file_path" db:"original_file_path"`
	ProcessedPath string    `json:"processed_file_path" db:"processed_file_path"`
	Score         float64   `json:"score" db:"score"`
	Duration      float64   `json:"time_spent" db:"time_spent"`
	Throughput    float64   `json:"fps" db:"fps"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Patient is the minimal view of a patient this service needs: the stable id
// and the code a device uses to open its channel.
type Patient struct {
	ID   int64  `json:"id" db:"id"`
	Code string `json:"patient_code" db:"patient_code"`
	Name string `json:"name" db:"name"`
}

// Record pairs a completed session with its result.
type Record struct {
	Session *Session       `json:"session"`
	Result  *SessionResult `json:"result"`
}

// Snapshot is one status event delivered to a subscriber.
type Snapshot struct {
	ID        int64     `json:"id,omitempty"`
	State     State     `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// IsTerminal reports whether no snapshot will follow this one.
func (s Snapshot) IsTerminal() bool {
	return s.Error != "" || s.State.IsTerminal()
}
