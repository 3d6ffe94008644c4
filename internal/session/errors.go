package session

import (
	"errors"
	"fmt"

	"vrdiag/pkg/interfaces"
	"vrdiag/pkg/types"
)

var (
	ErrNotFound          = interfaces.ErrSessionNotFound
	ErrConflict          = errors.New("doctor already has a live session")
	ErrDeviceUnavailable = errors.New("patient device is not connected")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrInvalidInput      = errors.New("invalid session request")
	ErrContention        = errors.New("session changed too often to apply transition")
)

// TransitionError reports a transition the table does not allow. It matches
// ErrInvalidTransition under errors.Is.
type TransitionError struct {
	SessionID int64
	From      types.State
	To        types.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %d: cannot transition from %s to %s", e.SessionID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
