package interfaces

import (
	"context"
	"time"

	"vrdiag/pkg/types"
)

// SessionStore persists sessions, results and the patient directory.
// ARCHITECTURAL DISCOVERY: Every state write is a compare-and-set on the
// current state, which is what makes transitions atomic per session row.
type SessionStore interface {
	// CreateSession inserts s and assigns s.ID.
	CreateSession(ctx context.Context, s *types.Session) error

	// GetSession returns ErrSessionNotFound for an unknown id.
	GetSession(ctx context.Context, id int64) (*types.Session, error)

	// UpdateSessionState moves the session from "from" to "to". It returns
	// ErrStaleState when the stored state is no longer "from".
	UpdateSessionState(ctx context.Context, id int64, from, to types.State, at time.Time) error

	// CompleteSession moves the session from "from" to COMPLETED and inserts
	// result in the same transaction.
	CompleteSession(ctx context.Context, result *types.SessionResult, from types.State, at time.Time) error

	// FindLiveSessionByDoctor returns the doctor's READY or STARTED session,
	// or ErrSessionNotFound.
	FindLiveSessionByDoctor(ctx context.Context, doctorID int64) (*types.Session, error)

	// ListLiveSessions returns every READY or STARTED session.
	ListLiveSessions(ctx context.Context) ([]*types.Session, error)

	// GetResult returns ErrResultNotFound when the session has no result.
	GetResult(ctx context.Context, sessionID int64) (*types.SessionResult, error)

	// ListCompletedRecords returns the patient's COMPLETED sessions created
	// in [from, to], newest first.
	ListCompletedRecords(ctx context.Context, patientID int64, from, to time.Time) ([]*types.Record, error)

	PatientDirectory

	HealthCheck(ctx context.Context) error
	Close() error
}

// PatientDirectory resolves device handshake codes to patients.
type PatientDirectory interface {
	GetPatientByCode(ctx context.Context, code string) (*types.Patient, error)
	CreatePatient(ctx context.Context, p *types.Patient) error
}
