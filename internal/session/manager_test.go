package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"vrdiag/internal/codepool"
	"vrdiag/internal/common/clock/mocks"
	"vrdiag/internal/database"
	"vrdiag/pkg/types"
)

type presence map[int64]bool

func (p presence) IsConnected(patientID int64) bool { return p[patientID] }

type recordingObserver struct {
	mu    sync.Mutex
	edges []string
}

func (o *recordingObserver) ObserveTransition(from, to types.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.edges = append(o.edges, string(from)+">"+string(to))
}

type ManagerTestSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	clock    *mocks.MockClock
	now      time.Time
	store    *database.MemoryStore
	pool     *codepool.MemoryPool
	devices  presence
	observer *recordingObserver
	manager  *Manager
	ctx      context.Context
}

func (s *ManagerTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.clock = mocks.NewMockClock(s.ctrl)
	s.now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.clock.EXPECT().Now().DoAndReturn(func() time.Time { return s.now }).AnyTimes()

	s.store = database.NewMemoryStore()
	pool, err := codepool.NewMemoryPool(3, 4, nil)
	s.Require().NoError(err)
	s.pool = pool
	s.devices = presence{100: true, 101: true}
	s.observer = &recordingObserver{}
	s.ctx = context.Background()

	m, err := NewManager(&Config{
		Store:    s.store,
		Pool:     s.pool,
		Devices:  s.devices,
		Clock:    s.clock,
		Observer: s.observer,
	})
	s.Require().NoError(err)
	s.manager = m
}

func (s *ManagerTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (s *ManagerTestSuite) create(doctorID, patientID int64) *types.Session {
	sess, err := s.manager.Create(s.ctx, CreateInput{
		DoctorID:    doctorID,
		PatientID:   patientID,
		ContentType: types.ContentFitBox,
		Level:       1,
	})
	s.Require().NoError(err)
	return sess
}

func (s *ManagerTestSuite) poolStats() codepool.Stats {
	stats, err := s.pool.Stats(s.ctx)
	s.Require().NoError(err)
	return stats
}

func (s *ManagerTestSuite) TestCreate() {
	sess := s.create(1, 100)

	s.Equal(types.StateReady, sess.State)
	s.Len(sess.Code, 4)
	s.Equal(s.now.Add(DefaultDuration), sess.ExpiresAt)
	s.Equal(1, s.poolStats().Active)
	s.Equal([]string{">READY"}, s.observer.edges)
}

func (s *ManagerTestSuite) TestCreateRequiresConnectedDevice() {
	_, err := s.manager.Create(s.ctx, CreateInput{DoctorID: 1, PatientID: 999, ContentType: types.ContentFitBox, Level: 1})
	s.ErrorIs(err, ErrDeviceUnavailable)
	s.Equal(0, s.poolStats().Active)
}

func (s *ManagerTestSuite) TestCreateRejectsInvalidInput() {
	_, err := s.manager.Create(s.ctx, CreateInput{DoctorID: 1, PatientID: 100, ContentType: "GOLF", Level: 1})
	s.ErrorIs(err, ErrInvalidInput)
}

func (s *ManagerTestSuite) TestCreateConflictsWithLiveSession() {
	first := s.create(1, 100)

	_, err := s.manager.Create(s.ctx, CreateInput{DoctorID: 1, PatientID: 101, ContentType: types.ContentFitBox, Level: 1})
	s.ErrorIs(err, ErrConflict)

	_, err = s.manager.Transition(s.ctx, first.ID, types.StateCancelled)
	s.Require().NoError(err)

	s.create(1, 101)
}

func (s *ManagerTestSuite) TestConcurrentCreateSameDoctorHasOneWinner() {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var conflicts, wins int
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.manager.Create(s.ctx, CreateInput{DoctorID: 1, PatientID: 100, ContentType: types.ContentFitBox, Level: 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, wins)
	s.Equal(4, conflicts)
}

func (s *ManagerTestSuite) TestCreatePoolExhausted() {
	s.devices[102] = true
	s.devices[103] = true
	s.create(1, 100)
	s.create(2, 101)
	s.create(3, 102)

	_, err := s.manager.Create(s.ctx, CreateInput{DoctorID: 4, PatientID: 103, ContentType: types.ContentFitBox, Level: 1})
	s.ErrorIs(err, codepool.ErrPoolExhausted)
}

func (s *ManagerTestSuite) TestTransitionTable() {
	tests := []struct {
		path []types.State
		bad  types.State
	}{
		{[]types.State{types.StateStarted, types.StateCompleted}, types.StateStarted},
		{[]types.State{types.StateStarted, types.StateFailed}, types.StateCancelled},
		{[]types.State{types.StateCancelled}, types.StateStarted},
		{nil, types.StateCompleted},
		{nil, types.StateFailed},
		{[]types.State{types.StateStarted}, types.StateReady},
	}

	for _, tt := range tests {
		s.SetupTest()
		sess := s.create(1, 100)
		for _, st := range tt.path {
			_, err := s.manager.Transition(s.ctx, sess.ID, st)
			s.Require().NoError(err, "path step %s", st)
		}

		_, err := s.manager.Transition(s.ctx, sess.ID, tt.bad)
		s.ErrorIs(err, ErrInvalidTransition, "after %v -> %s", tt.path, tt.bad)

		var te *TransitionError
		s.Require().True(errors.As(err, &te))
		s.Equal(tt.bad, te.To)
	}
}

func (s *ManagerTestSuite) TestTerminalTransitionReleasesCode() {
	sess := s.create(1, 100)
	s.Equal(1, s.poolStats().Active)

	_, err := s.manager.Transition(s.ctx, sess.ID, types.StateStarted)
	s.Require().NoError(err)
	s.Equal(1, s.poolStats().Active)

	done, err := s.manager.Transition(s.ctx, sess.ID, types.StateFailed)
	s.Require().NoError(err)
	s.Equal(types.StateFailed, done.State)

	stats := s.poolStats()
	s.Equal(0, stats.Active)
	s.Equal(3, stats.Available)
}

func (s *ManagerTestSuite) TestTransitionNotFound() {
	_, err := s.manager.Transition(s.ctx, 42, types.StateStarted)
	s.ErrorIs(err, ErrNotFound)
}

func (s *ManagerTestSuite) TestLazyExpiryOnRead() {
	sess := s.create(1, 100)
	_, err := s.manager.Transition(s.ctx, sess.ID, types.StateStarted)
	s.Require().NoError(err)

	s.now = sess.ExpiresAt.Add(time.Second)

	got, err := s.manager.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(types.StateExpired, got.State)
	s.Equal(0, s.poolStats().Active)

	stored, err := s.store.GetSession(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(types.StateExpired, stored.State)

	_, err = s.manager.Transition(s.ctx, sess.ID, types.StateCompleted)
	s.ErrorIs(err, ErrInvalidTransition)
}

func (s *ManagerTestSuite) TestExpiredLiveSessionDoesNotConflict() {
	first := s.create(1, 100)
	s.now = first.ExpiresAt.Add(time.Minute)

	_, err := s.manager.LiveSession(s.ctx, 1)
	s.ErrorIs(err, ErrNotFound)

	second := s.create(1, 100)
	s.NotEqual(first.ID, second.ID)
}

func (s *ManagerTestSuite) TestComplete() {
	sess := s.create(1, 100)

	_, err := s.manager.Complete(s.ctx, &types.SessionResult{SessionID: sess.ID})
	s.ErrorIs(err, ErrInvalidTransition, "READY cannot complete")

	_, err = s.manager.Transition(s.ctx, sess.ID, types.StateStarted)
	s.Require().NoError(err)

	done, err := s.manager.Complete(s.ctx, &types.SessionResult{SessionID: sess.ID, Score: 3})
	s.Require().NoError(err)
	s.Equal(types.StateCompleted, done.State)
	s.Equal(0, s.poolStats().Active)

	result, err := s.store.GetResult(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(3.0, result.Score)
}

func (s *ManagerTestSuite) TestRestore() {
	// A fresh single-digit pool holds every code 0-9, as after a restart.
	pool, err := codepool.NewMemoryPool(10, 1, nil)
	s.Require().NoError(err)

	live := &types.Session{
		DoctorID: 1, PatientID: 100, Code: "3", ContentType: types.ContentFitBox, Level: 1,
		State: types.StateReady, CreatedAt: s.now.Add(-time.Minute), UpdatedAt: s.now.Add(-time.Minute),
		ExpiresAt: s.now.Add(10 * time.Minute),
	}
	overdue := &types.Session{
		DoctorID: 2, PatientID: 101, Code: "5", ContentType: types.ContentFitBox, Level: 1,
		State: types.StateStarted, CreatedAt: s.now.Add(-31 * time.Minute), UpdatedAt: s.now.Add(-31 * time.Minute),
		ExpiresAt: s.now.Add(-time.Second),
	}
	s.Require().NoError(s.store.CreateSession(s.ctx, live))
	s.Require().NoError(s.store.CreateSession(s.ctx, overdue))

	m, err := NewManager(&Config{Store: s.store, Pool: pool, Devices: s.devices, Clock: s.clock})
	s.Require().NoError(err)
	s.Require().NoError(m.Restore(s.ctx))

	stats, err := pool.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(codepool.Stats{Size: 10, Available: 9, Active: 1}, stats)

	stored, err := s.store.GetSession(s.ctx, overdue.ID)
	s.Require().NoError(err)
	s.Equal(types.StateExpired, stored.State)

	for i := 0; i < 9; i++ {
		code, err := pool.Acquire(s.ctx)
		s.Require().NoError(err)
		s.NotEqual("3", code, "code of a live session must not be handed out")
	}
}

// racingStore cancels a session just before the first state write to it,
// as another replica would.
type racingStore struct {
	*database.MemoryStore
	once sync.Once
}

func (r *racingStore) UpdateSessionState(ctx context.Context, id int64, from, to types.State, at time.Time) error {
	r.once.Do(func() {
		_ = r.MemoryStore.UpdateSessionState(ctx, id, from, types.StateCancelled, at)
	})
	return r.MemoryStore.UpdateSessionState(ctx, id, from, to, at)
}

func (s *ManagerTestSuite) TestRestoreReleasesCodeOfSessionEndedElsewhere() {
	pool, err := codepool.NewMemoryPool(10, 1, nil)
	s.Require().NoError(err)

	overdue := &types.Session{
		DoctorID: 2, PatientID: 101, Code: "5", ContentType: types.ContentFitBox, Level: 1,
		State: types.StateStarted, CreatedAt: s.now.Add(-31 * time.Minute), UpdatedAt: s.now.Add(-31 * time.Minute),
		ExpiresAt: s.now.Add(-time.Second),
	}
	store := &racingStore{MemoryStore: s.store}
	s.Require().NoError(store.CreateSession(s.ctx, overdue))

	m, err := NewManager(&Config{Store: store, Pool: pool, Devices: s.devices, Clock: s.clock})
	s.Require().NoError(err)
	s.Require().NoError(m.Restore(s.ctx))

	stored, err := store.GetSession(s.ctx, overdue.ID)
	s.Require().NoError(err)
	s.Equal(types.StateCancelled, stored.State)

	stats, err := pool.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(codepool.Stats{Size: 10, Available: 10, Active: 0}, stats)
}

func (s *ManagerTestSuite) TestNewManagerValidation() {
	_, err := NewManager(nil)
	s.Error(err)
	_, err = NewManager(&Config{Pool: s.pool, Devices: s.devices})
	s.Error(err)
}

func TestCanTransition(t *testing.T) {
	allowed := map[types.State][]types.State{
		types.StateReady:   {types.StateStarted, types.StateCancelled, types.StateExpired},
		types.StateStarted: {types.StateCompleted, types.StateFailed, types.StateCancelled, types.StateExpired},
	}
	all := []types.State{
		types.StateReady, types.StateStarted, types.StateCompleted,
		types.StateFailed, types.StateCancelled, types.StateExpired,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}
