package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"vrdiag/pkg/interfaces"
	"vrdiag/pkg/types"
)

// MemoryStore is an in-process SessionStore for development and tests.
// Records are copied in and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[int64]types.Session
	results     map[int64]types.SessionResult
	patients    map[string]types.Patient
	nextSession int64
	nextResult  int64
	nextPatient int64
}

var _ interfaces.SessionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int64]types.Session),
		results:  make(map[int64]types.SessionResult),
		patients: make(map[string]types.Patient),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSession++
	s.ID = m.nextSession
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id int64) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return &s, nil
}

func (m *MemoryStore) UpdateSessionState(ctx context.Context, id int64, from, to types.State, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.swapLocked(id, from, to, at)
}

func (m *MemoryStore) swapLocked(id int64, from, to types.State, at time.Time) error {
	s, ok := m.sessions[id]
	if !ok {
		return interfaces.ErrSessionNotFound
	}
	if s.State != from {
		return interfaces.ErrStaleState
	}
	s.State = to
	s.UpdatedAt = at
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) CompleteSession(ctx context.Context, result *types.SessionResult, from types.State, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.results[result.SessionID]; exists {
		return interfaces.ErrStaleState
	}
	if err := m.swapLocked(result.SessionID, from, types.StateCompleted, at); err != nil {
		return err
	}
	m.nextResult++
	result.ID = m.nextResult
	result.CreatedAt = at
	m.results[result.SessionID] = *result
	return nil
}

func (m *MemoryStore) FindLiveSessionByDoctor(ctx context.Context, doctorID int64) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *types.Session
	for _, s := range m.sessions {
		if s.DoctorID != doctorID || !s.State.IsLive() {
			continue
		}
		if found == nil || s.ID > found.ID {
			s := s
			found = &s
		}
	}
	if found == nil {
		return nil, interfaces.ErrSessionNotFound
	}
	return found, nil
}

func (m *MemoryStore) ListLiveSessions(ctx context.Context) ([]*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var live []*types.Session
	for _, s := range m.sessions {
		if s.State.IsLive() {
			s := s
			live = append(live, &s)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live, nil
}

func (m *MemoryStore) GetResult(ctx context.Context, sessionID int64) (*types.SessionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[sessionID]
	if !ok {
		return nil, interfaces.ErrResultNotFound
	}
	return &r, nil
}

func (m *MemoryStore) ListCompletedRecords(ctx context.Context, patientID int64, from, to time.Time) ([]*types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*types.Record
	for _, s := range m.sessions {
		if s.PatientID != patientID || s.State != types.StateCompleted {
			continue
		}
		if s.CreatedAt.Before(from) || s.CreatedAt.After(to) {
			continue
		}
		r, ok := m.results[s.ID]
		if !ok {
			continue
		}
		s := s
		records = append(records, &types.Record{Session: &s, Result: &r})
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].Session, records[j].Session
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return records, nil
}

func (m *MemoryStore) GetPatientByCode(ctx context.Context, code string) (*types.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.patients[code]
	if !ok {
		return nil, interfaces.ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryStore) CreatePatient(ctx context.Context, p *types.Patient) error {
	if !types.IsValidPatientCode(p.Code) {
		return types.ErrInvalidPatientCode
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPatient++
	p.ID = m.nextPatient
	m.patients[p.Code] = *p
	return nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
