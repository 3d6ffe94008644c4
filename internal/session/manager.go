// Package session owns the diagnosis session lifecycle.
//
// Every state change goes through Manager, which checks the transition
// table, writes the new state with a compare-and-set, and returns the
// session code to the pool when the session becomes terminal. Expiry is
// applied lazily whenever a live session is read past its deadline.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vrdiag/internal/codepool"
	"vrdiag/internal/common/clock"
	"vrdiag/pkg/interfaces"
	"vrdiag/pkg/types"
)

const (
	DefaultDuration = 30 * time.Minute

	maxSwapAttempts = 5
)

// Presence answers whether a patient's device is connected.
type Presence interface {
	IsConnected(patientID int64) bool
}

// TransitionObserver is told about every applied state change. from is
// empty for a newly created session.
type TransitionObserver interface {
	ObserveTransition(from, to types.State)
}

// Config holds the collaborators of a Manager.
type Config struct {
	Store    interfaces.SessionStore
	Pool     codepool.Pool
	Devices  Presence
	Clock    clock.Clock
	Logger   logrus.FieldLogger
	Observer TransitionObserver
	Duration time.Duration
}

// Manager is the session state machine.
type Manager struct {
	store    interfaces.SessionStore
	pool     codepool.Pool
	devices  Presence
	clock    clock.Clock
	logger   logrus.FieldLogger
	observer TransitionObserver
	duration time.Duration

	doctorLocks sync.Map // doctorID -> *sync.Mutex
}

// CreateInput describes a session a doctor asks to start.
type CreateInput struct {
	DoctorID    int64
	PatientID   int64
	ContentType types.ContentType
	Level       int
	// Duration overrides the manager default when positive.
	Duration time.Duration
}

// NewManager validates cfg and fills in defaults.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("session store cannot be nil")
	}
	if cfg.Pool == nil {
		return nil, errors.New("code pool cannot be nil")
	}
	if cfg.Devices == nil {
		return nil, errors.New("device presence cannot be nil")
	}

	m := &Manager{
		store:    cfg.Store,
		pool:     cfg.Pool,
		devices:  cfg.Devices,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		duration: cfg.Duration,
	}
	if m.clock == nil {
		m.clock = &clock.DefaultClock{}
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	m.logger = m.logger.WithField("component", "session")
	if m.duration <= 0 {
		m.duration = DefaultDuration
	}
	return m, nil
}

// Create opens a READY session for the doctor on the patient's device.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*types.Session, error) {
	now := m.clock.Now()
	duration := in.Duration
	if duration <= 0 {
		duration = m.duration
	}

	s := &types.Session{
		DoctorID:    in.DoctorID,
		PatientID:   in.PatientID,
		ContentType: in.ContentType,
		Level:       in.Level,
		State:       types.StateReady,
		ExpiresAt:   now.Add(duration),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if !m.devices.IsConnected(in.PatientID) {
		return nil, ErrDeviceUnavailable
	}

	// The live-session check and the insert must not interleave for one doctor.
	lock := m.doctorLock(in.DoctorID)
	lock.Lock()
	defer lock.Unlock()

	live, err := m.LiveSession(ctx, in.DoctorID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: session %d is %s", ErrConflict, live.ID, live.State)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	code, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	s.Code = code

	if err := m.store.CreateSession(ctx, s); err != nil {
		m.pool.Release(ctx, code)
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.observe("", types.StateReady)
	m.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"doctor_id":  s.DoctorID,
		"patient_id": s.PatientID,
		"code":       s.Code,
	}).Info("session created")

	return s, nil
}

// Get returns the session, expiring it first when its deadline has passed.
func (m *Manager) Get(ctx context.Context, id int64) (*types.Session, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		s, err := m.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}

		now := m.clock.Now()
		if !s.IsExpired(now) {
			return s, nil
		}

		err = m.swap(ctx, s, types.StateExpired, now)
		if errors.Is(err, interfaces.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, ErrContention
}

// LiveSession returns the doctor's READY or STARTED session, or ErrNotFound.
func (m *Manager) LiveSession(ctx context.Context, doctorID int64) (*types.Session, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		s, err := m.store.FindLiveSessionByDoctor(ctx, doctorID)
		if err != nil {
			return nil, err
		}

		now := m.clock.Now()
		if !s.IsExpired(now) {
			return s, nil
		}

		err = m.swap(ctx, s, types.StateExpired, now)
		if err != nil && !errors.Is(err, interfaces.ErrStaleState) {
			return nil, err
		}
	}
	return nil, ErrContention
}

// Transition applies to to the session if the lifecycle allows it.
func (m *Manager) Transition(ctx context.Context, id int64, to types.State) (*types.Session, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		s, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !CanTransition(s.State, to) {
			return nil, &TransitionError{SessionID: id, From: s.State, To: to}
		}

		err = m.swap(ctx, s, to, m.clock.Now())
		if errors.Is(err, interfaces.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, ErrContention
}

// Complete moves the session to COMPLETED and stores result with it.
func (m *Manager) Complete(ctx context.Context, result *types.SessionResult) (*types.Session, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		s, err := m.Get(ctx, result.SessionID)
		if err != nil {
			return nil, err
		}
		if !CanTransition(s.State, types.StateCompleted) {
			return nil, &TransitionError{SessionID: s.ID, From: s.State, To: types.StateCompleted}
		}

		now := m.clock.Now()
		err = m.store.CompleteSession(ctx, result, s.State, now)
		if errors.Is(err, interfaces.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to complete session: %w", err)
		}

		m.applied(ctx, s, types.StateCompleted, now)
		return s, nil
	}
	return nil, ErrContention
}

// Restore reconciles the pool with sessions that were live when the service
// last stopped. Codes of still-live sessions are reserved and overdue
// sessions are expired.
func (m *Manager) Restore(ctx context.Context) error {
	live, err := m.store.ListLiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load live sessions: %w", err)
	}

	reserved, expired := 0, 0
	for _, s := range live {
		if m.pool.Reserve(ctx, s.Code) {
			reserved++
		}
		now := m.clock.Now()
		if !s.IsExpired(now) {
			continue
		}
		err := m.swap(ctx, s, types.StateExpired, now)
		if errors.Is(err, interfaces.ErrStaleState) {
			m.settle(ctx, s)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to expire session %d: %w", s.ID, err)
		}
		expired++
	}

	m.logger.WithFields(logrus.Fields{
		"live":     len(live),
		"reserved": reserved,
		"expired":  expired,
	}).Info("restored live sessions")
	return nil
}

// settle handles a session that changed under Restore. If it went terminal
// elsewhere, its code may have been released before it was reserved above.
func (m *Manager) settle(ctx context.Context, s *types.Session) {
	current, err := m.Get(ctx, s.ID)
	if err != nil {
		m.logger.WithError(err).WithField("session_id", s.ID).Warn("failed to re-read session during restore")
		return
	}
	if current.State.IsTerminal() {
		m.pool.Release(ctx, current.Code)
	}
}

// swap writes s.State -> to and updates s in place on success.
func (m *Manager) swap(ctx context.Context, s *types.Session, to types.State, now time.Time) error {
	if err := m.store.UpdateSessionState(ctx, s.ID, s.State, to, now); err != nil {
		return err
	}
	m.applied(ctx, s, to, now)
	return nil
}

func (m *Manager) applied(ctx context.Context, s *types.Session, to types.State, now time.Time) {
	from := s.State
	s.State = to
	s.UpdatedAt = now

	if to.IsTerminal() {
		m.pool.Release(ctx, s.Code)
	}
	m.observe(from, to)

	m.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"from":       from,
		"to":         to,
	}).Info("session transitioned")
}

func (m *Manager) observe(from, to types.State) {
	if m.observer != nil {
		m.observer.ObserveTransition(from, to)
	}
}

func (m *Manager) doctorLock(doctorID int64) *sync.Mutex {
	lock, _ := m.doctorLocks.LoadOrStore(doctorID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}
