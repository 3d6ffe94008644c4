package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"vrdiag/internal/codepool"
	clockmocks "vrdiag/internal/common/clock/mocks"
	"vrdiag/internal/database"
	"vrdiag/internal/policy"
	"vrdiag/internal/protocol"
	"vrdiag/internal/session"
	"vrdiag/pkg/interfaces"
	"vrdiag/pkg/interfaces/mocks"
	"vrdiag/pkg/types"
)

const (
	doctorID  = int64(1)
	patientID = int64(7)
)

type countingUploads map[string]int

// flakyStore fails CompleteSession with completeErr when it is set.
type flakyStore struct {
	*database.MemoryStore
	completeErr error
}

func (f *flakyStore) CompleteSession(ctx context.Context, result *types.SessionResult, from types.State, at time.Time) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	return f.MemoryStore.CompleteSession(ctx, result, from, at)
}

func (c countingUploads) UploadHandled(outcome string) { c[outcome]++ }

type CoordinatorTestSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	ctx       context.Context
	now       time.Time
	store     *database.MemoryStore
	flaky     *flakyStore
	pool      *codepool.MemoryPool
	devices   *mocks.MockDeviceNotifier
	artifacts *mocks.MockArtifactStore
	processor *mocks.MockResultProcessor
	connected map[int64]bool
	sent      []protocol.Outbound
	uploads   countingUploads
	sessions  *session.Manager
	coord     *Coordinator
}

func (s *CoordinatorTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.ctx = context.Background()
	s.now = time.Date(2024, 1, 31, 9, 45, 0, 0, time.UTC)

	clk := clockmocks.NewMockClock(s.ctrl)
	clk.EXPECT().Now().DoAndReturn(func() time.Time { return s.now }).AnyTimes()

	s.connected = map[int64]bool{patientID: true}
	s.sent = nil
	s.devices = mocks.NewMockDeviceNotifier(s.ctrl)
	s.devices.EXPECT().IsConnected(gomock.Any()).DoAndReturn(func(id int64) bool { return s.connected[id] }).AnyTimes()
	s.devices.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(id int64, msg any) bool {
		if !s.connected[id] {
			return false
		}
		s.sent = append(s.sent, msg.(protocol.Outbound))
		return true
	}).AnyTimes()

	s.artifacts = mocks.NewMockArtifactStore(s.ctrl)
	s.processor = mocks.NewMockResultProcessor(s.ctrl)
	s.store = database.NewMemoryStore()
	s.uploads = countingUploads{}

	s.flaky = &flakyStore{MemoryStore: s.store}

	pool, err := codepool.NewMemoryPool(3, 4, nil)
	s.Require().NoError(err)
	s.pool = pool

	s.sessions, err = session.NewManager(&session.Config{
		Store:   s.flaky,
		Pool:    pool,
		Devices: s.devices,
		Clock:   clk,
	})
	s.Require().NoError(err)

	engine, err := policy.NewEngine(s.ctx, "")
	s.Require().NoError(err)

	s.coord, err = New(&Config{
		Sessions:  s.sessions,
		Devices:   s.devices,
		Artifacts: s.artifacts,
		Processor: s.processor,
		Policy:    engine,
		Clock:     clk,
		Uploads:   s.uploads,
	})
	s.Require().NoError(err)
}

func (s *CoordinatorTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestCoordinatorTestSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorTestSuite))
}

func (s *CoordinatorTestSuite) start() *types.Session {
	sess, err := s.coord.StartSession(s.ctx, session.CreateInput{
		DoctorID:    doctorID,
		PatientID:   patientID,
		ContentType: types.ContentTennisBall,
		Level:       2,
	})
	s.Require().NoError(err)
	return sess
}

func (s *CoordinatorTestSuite) started() *types.Session {
	sess := s.start()
	s.Require().NoError(s.coord.HandleDeviceStarted(s.ctx, sess.ID, patientID))
	return sess
}

func (s *CoordinatorTestSuite) state(id int64) types.State {
	sess, err := s.store.GetSession(s.ctx, id)
	s.Require().NoError(err)
	return sess.State
}

func (s *CoordinatorTestSuite) TestStartSession_RequiresConnectedDevice() {
	s.connected[patientID] = false

	_, err := s.coord.StartSession(s.ctx, session.CreateInput{
		DoctorID: doctorID, PatientID: patientID, ContentType: types.ContentFitBox, Level: 1,
	})
	s.ErrorIs(err, session.ErrDeviceUnavailable)
	s.Empty(s.sent)

	s.connected[patientID] = true
	sess := s.start()

	s.Require().Len(s.sent, 1)
	s.Equal(protocol.StartSession(sess), s.sent[0])
	s.Equal(types.StateReady, sess.State)
	s.Len(sess.Code, 4)
	s.Equal(s.now.Add(session.DefaultDuration), sess.ExpiresAt)
}

func (s *CoordinatorTestSuite) TestStartSession_Conflict() {
	s.start()

	_, err := s.coord.StartSession(s.ctx, session.CreateInput{
		DoctorID: doctorID, PatientID: patientID, ContentType: types.ContentFitBox, Level: 1,
	})
	s.ErrorIs(err, session.ErrConflict)
}

func (s *CoordinatorTestSuite) TestStartSession_AnonymousForbidden() {
	_, err := s.coord.StartSession(s.ctx, session.CreateInput{
		PatientID: patientID, ContentType: types.ContentFitBox, Level: 1,
	})
	s.ErrorIs(err, ErrForbidden)
}

func (s *CoordinatorTestSuite) TestCancelSession() {
	sess := s.start()

	_, err := s.coord.CancelSession(s.ctx, sess.ID, doctorID+1)
	s.ErrorIs(err, ErrForbidden)

	cancelled, err := s.coord.CancelSession(s.ctx, sess.ID, doctorID)
	s.Require().NoError(err)
	s.Equal(types.StateCancelled, cancelled.State)
	s.Equal(protocol.StopSession(sess.ID), s.sent[len(s.sent)-1])

	_, err = s.coord.CancelSession(s.ctx, 999, doctorID)
	s.ErrorIs(err, session.ErrNotFound)
}

func (s *CoordinatorTestSuite) TestCancelSession_TerminalSendsNothing() {
	sess := s.started()

	s.artifacts.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)
	s.processor.EXPECT().Preprocess(types.ContentTennisBall, []byte("raw")).
		Return([]byte("processed"), interfaces.ResultMetrics{Score: 1, Duration: 2, Throughput: 3}, nil)
	s.Require().NoError(s.coord.HandleDeviceUpload(s.ctx, patientID, protocol.UploadResult{SessionID: sess.ID, FileContent: "raw"}))

	sentBefore := len(s.sent)
	_, err := s.coord.CancelSession(s.ctx, sess.ID, doctorID)
	s.ErrorIs(err, session.ErrInvalidTransition)
	s.Len(s.sent, sentBefore)
	s.Equal(types.StateCompleted, s.state(sess.ID))
}

func (s *CoordinatorTestSuite) TestDeviceStartedAndFailed() {
	sess := s.start()

	s.ErrorIs(s.coord.HandleDeviceStarted(s.ctx, sess.ID, patientID+1), ErrPatientMismatch)
	s.Equal(types.StateReady, s.state(sess.ID))

	s.Require().NoError(s.coord.HandleDeviceStarted(s.ctx, sess.ID, patientID))
	s.Equal(types.StateStarted, s.state(sess.ID))

	s.Require().NoError(s.coord.HandleDeviceFailed(s.ctx, sess.ID, patientID))
	s.Equal(types.StateFailed, s.state(sess.ID))

	s.ErrorIs(s.coord.HandleDeviceStarted(s.ctx, 999, patientID), session.ErrNotFound)
}

func (s *CoordinatorTestSuite) TestUpload_Completes() {
	sess := s.started()

	var paths []string
	s.artifacts.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, path string, _ []byte) error {
			paths = append(paths, path)
			return nil
		}).Times(2)
	s.processor.EXPECT().Preprocess(types.ContentTennisBall, []byte("a,b\n")).
		Return([]byte("b,a\n"), interfaces.ResultMetrics{Score: 80, Duration: 12.5, Throughput: 30}, nil)

	err := s.coord.HandleDeviceUpload(s.ctx, patientID, protocol.UploadResult{
		SessionID:   sess.ID,
		FileContent: "YSxiCg==",
		Encoding:    protocol.EncodingBase64,
	})
	s.Require().NoError(err)

	s.Equal(types.StateCompleted, s.state(sess.ID))
	s.Equal([]string{
		"diagnosis/1/original/TENNISBALL_2_20240131094500.csv",
		"diagnosis/1/processed/TENNISBALL_2_20240131094500.csv",
	}, paths)

	result, err := s.store.GetResult(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(80.0, result.Score)
	s.Equal(12.5, result.Duration)
	s.Equal(30.0, result.Throughput)
	s.Equal(paths[1], result.ProcessedPath)
	s.Equal(1, s.uploads["completed"])
}

func (s *CoordinatorTestSuite) TestUpload_OversizeFails() {
	sess := s.started()

	err := s.coord.HandleDeviceUpload(s.ctx, patientID, protocol.UploadResult{
		SessionID:   sess.ID,
		FileContent: strings.Repeat("x", 11<<20),
	})
	s.ErrorIs(err, ErrUploadTooLarge)
	s.Equal(types.StateFailed, s.state(sess.ID))

	_, err = s.store.GetResult(s.ctx, sess.ID)
	s.ErrorIs(err, interfaces.ErrResultNotFound)
	s.Equal(1, s.uploads["failed"])
}

func (s *CoordinatorTestSuite) TestUpload_ProcessingFailureFails() {
	sess := s.started()

	s.artifacts.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	s.processor.EXPECT().Preprocess(gomock.Any(), gomock.Any()).
		Return(nil, interfaces.ResultMetrics{}, errors.New("no Score column"))

	err := s.coord.HandleDeviceUpload(s.ctx, patientID, protocol.UploadResult{SessionID: sess.ID, FileContent: "raw"})
	s.Error(err)
	s.Equal(types.StateFailed, s.state(sess.ID))
}

func (s *CoordinatorTestSuite) TestUpload_StorageFailureFails() {
	sess := s.started()

	s.artifacts.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("bucket unavailable"))

	err := s.coord.HandleDeviceUpload(s.ctx, patientID, protocol.UploadResult{SessionID: sess.ID, FileContent: "raw"})
	s.Error(err)
	s.Equal(types.StateFailed, s.state(sess.ID))
}

func (s *CoordinatorTestSuite) TestUpload_PersistFailureFails() {
	sess := s.started()
	s.flaky.completeErr = errors.New("disk I/O error")

	s.artifacts.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)
	s.processor.EXPECT().Preprocess(gomock.Any(), gomock.Any()).
		Return([]byte("b,a\n"), interfaces.ResultMetrics{Score: 1, Duration: 1}, nil)

	err := s.coord.HandleDeviceUpload(s.ctx, patientID, protocol.UploadResult{SessionID: sess.ID, FileContent: "raw"})
	s.ErrorContains(err, "disk I/O error")
	s.Equal(types.StateFailed, s.state(sess.ID))
	s.Equal(1, s.uploads["failed"])

	stats, err := s.pool.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, stats.Active)
}

func (s *CoordinatorTestSuite) TestUpload_PatientMismatchIsNoop() {
	sess := s.started()

	err := s.coord.HandleDeviceUpload(s.ctx, patientID+1, protocol.UploadResult{SessionID: sess.ID, FileContent: "raw"})
	s.ErrorIs(err, ErrPatientMismatch)
	s.Equal(types.StateStarted, s.state(sess.ID))
	s.Equal(1, s.uploads["dropped"])
}

func (s *CoordinatorTestSuite) TestUpload_BeforeStartIsRejected() {
	sess := s.start()

	err := s.coord.HandleDeviceUpload(s.ctx, patientID, protocol.UploadResult{SessionID: sess.ID, FileContent: "raw"})
	s.ErrorIs(err, session.ErrInvalidTransition)
	s.Equal(types.StateReady, s.state(sess.ID))
}

func (s *CoordinatorTestSuite) TestLiveSessionAndAuthorize() {
	_, err := s.coord.LiveSession(s.ctx, doctorID)
	s.ErrorIs(err, session.ErrNotFound)

	sess := s.start()
	live, err := s.coord.LiveSession(s.ctx, doctorID)
	s.Require().NoError(err)
	s.Equal(sess.ID, live.ID)

	_, err = s.coord.Authorize(s.ctx, policy.ActionStatus, sess.ID, doctorID)
	s.NoError(err)
	_, err = s.coord.Authorize(s.ctx, policy.ActionStatus, sess.ID, doctorID+1)
	s.ErrorIs(err, ErrForbidden)

	// Reading past the deadline expires the session and frees the doctor.
	s.now = s.now.Add(session.DefaultDuration + time.Second)
	_, err = s.coord.LiveSession(s.ctx, doctorID)
	s.ErrorIs(err, session.ErrNotFound)
	s.Equal(types.StateExpired, s.state(sess.ID))
}
