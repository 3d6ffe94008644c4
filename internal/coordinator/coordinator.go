// Package coordinator ties doctor requests and device events to the session
// state machine. It is the only consumer of decoded device messages.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"vrdiag/internal/common/clock"
	"vrdiag/internal/policy"
	"vrdiag/internal/protocol"
	"vrdiag/internal/router"
	"vrdiag/internal/session"
	"vrdiag/internal/storage"
	"vrdiag/pkg/interfaces"
	"vrdiag/pkg/types"
)

// DefaultMaxUploadBytes is the largest result file accepted from a device.
const DefaultMaxUploadBytes = 10 << 20

// Authorizer decides whether a doctor may act on a session.
type Authorizer interface {
	Allow(ctx context.Context, in policy.Input) (bool, error)
}

// UploadRecorder counts upload outcomes.
type UploadRecorder interface {
	UploadHandled(outcome string)
}

type Config struct {
	Sessions       *session.Manager
	Devices        interfaces.DeviceNotifier
	Artifacts      interfaces.ArtifactStore
	Processor      interfaces.ResultProcessor
	Policy         Authorizer
	Clock          clock.Clock
	Logger         logrus.FieldLogger
	Uploads        UploadRecorder
	MaxUploadBytes int
}

type Coordinator struct {
	sessions  *session.Manager
	devices   interfaces.DeviceNotifier
	artifacts interfaces.ArtifactStore
	processor interfaces.ResultProcessor
	policy    Authorizer
	clock     clock.Clock
	logger    logrus.FieldLogger
	uploads   UploadRecorder
	maxUpload int
}

var _ router.DeviceHandler = (*Coordinator)(nil)

func New(cfg *Config) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("session manager cannot be nil")
	case cfg.Devices == nil:
		return nil, errors.New("device notifier cannot be nil")
	case cfg.Artifacts == nil:
		return nil, errors.New("artifact store cannot be nil")
	case cfg.Processor == nil:
		return nil, errors.New("result processor cannot be nil")
	case cfg.Policy == nil:
		return nil, errors.New("access policy cannot be nil")
	}

	c := &Coordinator{
		sessions:  cfg.Sessions,
		devices:   cfg.Devices,
		artifacts: cfg.Artifacts,
		processor: cfg.Processor,
		policy:    cfg.Policy,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		uploads:   cfg.Uploads,
		maxUpload: cfg.MaxUploadBytes,
	}
	if c.clock == nil {
		c.clock = &clock.DefaultClock{}
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	c.logger = c.logger.WithField("component", "coordinator")
	if c.maxUpload <= 0 {
		c.maxUpload = DefaultMaxUploadBytes
	}
	return c, nil
}

// StartSession creates a session for the doctor and tells the patient's
// device to begin.
func (c *Coordinator) StartSession(ctx context.Context, in session.CreateInput) (*types.Session, error) {
	if err := c.authorize(ctx, policy.ActionStart, in.DoctorID, 0); err != nil {
		return nil, err
	}

	s, err := c.sessions.Create(ctx, in)
	if err != nil {
		return nil, err
	}

	if !c.devices.Send(s.PatientID, protocol.StartSession(s)) {
		// The session stays READY and expires if the device never starts it.
		c.logger.WithFields(logrus.Fields{
			"session_id": s.ID,
			"patient_id": s.PatientID,
		}).Warn("start message was not delivered")
	}
	return s, nil
}

// CancelSession cancels a live session owned by doctorID. A terminal
// session yields a TransitionError and the device is not contacted.
func (c *Coordinator) CancelSession(ctx context.Context, sessionID, doctorID int64) (*types.Session, error) {
	s, err := c.Authorize(ctx, policy.ActionCancel, sessionID, doctorID)
	if err != nil {
		return nil, err
	}
	if s.State.IsTerminal() {
		return nil, &session.TransitionError{SessionID: s.ID, From: s.State, To: types.StateCancelled}
	}

	s, err = c.sessions.Transition(ctx, sessionID, types.StateCancelled)
	if err != nil {
		return nil, err
	}

	if !c.devices.Send(s.PatientID, protocol.StopSession(s.ID)) {
		c.logger.WithFields(logrus.Fields{
			"session_id": s.ID,
			"patient_id": s.PatientID,
		}).Warn("stop message was not delivered")
	}
	return s, nil
}

// LiveSession returns the doctor's READY or STARTED session.
func (c *Coordinator) LiveSession(ctx context.Context, doctorID int64) (*types.Session, error) {
	return c.sessions.LiveSession(ctx, doctorID)
}

// Authorize loads the session and checks that doctorID may perform action
// on it.
func (c *Coordinator) Authorize(ctx context.Context, action string, sessionID, doctorID int64) (*types.Session, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, action, doctorID, s.DoctorID); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Coordinator) authorize(ctx context.Context, action string, doctorID, ownerID int64) error {
	allowed, err := c.policy.Allow(ctx, policy.Input{Action: action, DoctorID: doctorID, OwnerID: ownerID})
	if err != nil {
		return fmt.Errorf("access check failed: %w", err)
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

// HandleDeviceStarted moves the session to STARTED.
func (c *Coordinator) HandleDeviceStarted(ctx context.Context, sessionID, patientID int64) error {
	if _, err := c.deviceSession(ctx, sessionID, patientID); err != nil {
		return err
	}
	_, err := c.sessions.Transition(ctx, sessionID, types.StateStarted)
	return err
}

// HandleDeviceFailed moves the session to FAILED.
func (c *Coordinator) HandleDeviceFailed(ctx context.Context, sessionID, patientID int64) error {
	if _, err := c.deviceSession(ctx, sessionID, patientID); err != nil {
		return err
	}
	_, err := c.sessions.Transition(ctx, sessionID, types.StateFailed)
	return err
}

// HandleDeviceUpload stores and processes a result file and completes the
// session. Oversize files and any storage or processing failure fail the
// session instead.
func (c *Coordinator) HandleDeviceUpload(ctx context.Context, patientID int64, msg protocol.UploadResult) error {
	s, err := c.deviceSession(ctx, msg.SessionID, patientID)
	if err != nil {
		c.recordUpload("dropped")
		return err
	}
	if !session.CanTransition(s.State, types.StateCompleted) {
		c.recordUpload("dropped")
		return &session.TransitionError{SessionID: s.ID, From: s.State, To: types.StateCompleted}
	}

	log := c.logger.WithFields(logrus.Fields{"session_id": s.ID, "patient_id": patientID})

	result, err := c.storeResult(ctx, s, msg)
	if err != nil {
		log.WithError(err).Error("upload rejected, failing session")
		c.recordUpload("failed")
		if _, ferr := c.sessions.Transition(ctx, s.ID, types.StateFailed); ferr != nil {
			return fmt.Errorf("%w (and failing the session: %v)", err, ferr)
		}
		return err
	}

	if _, err := c.sessions.Complete(ctx, result); err != nil {
		c.recordUpload("failed")
		if errors.Is(err, session.ErrInvalidTransition) {
			return err
		}
		log.WithError(err).Error("failed to persist result, failing session")
		if _, ferr := c.sessions.Transition(ctx, s.ID, types.StateFailed); ferr != nil {
			return fmt.Errorf("failed to complete session: %w (and failing the session: %v)", err, ferr)
		}
		return fmt.Errorf("failed to complete session: %w", err)
	}

	c.recordUpload("completed")
	log.WithFields(logrus.Fields{
		"score":      result.Score,
		"time_spent": result.Duration,
	}).Info("result stored")
	return nil
}

func (c *Coordinator) storeResult(ctx context.Context, s *types.Session, msg protocol.UploadResult) (*types.SessionResult, error) {
	raw, err := msg.Payload()
	if err != nil {
		return nil, err
	}
	if len(raw) > c.maxUpload {
		return nil, fmt.Errorf("%w: %d bytes", ErrUploadTooLarge, len(raw))
	}

	now := c.clock.Now()
	name := storage.Filename(s.ContentType, s.Level, now)
	originalPath := storage.OriginalPath(s.ID, name)
	processedPath := storage.ProcessedPath(s.ID, name)

	if err := c.artifacts.Put(ctx, originalPath, raw); err != nil {
		return nil, fmt.Errorf("failed to store original result: %w", err)
	}

	processed, metrics, err := c.processor.Preprocess(s.ContentType, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to process result: %w", err)
	}

	if err := c.artifacts.Put(ctx, processedPath, processed); err != nil {
		return nil, fmt.Errorf("failed to store processed result: %w", err)
	}

	return &types.SessionResult{
		SessionID:     s.ID,
		OriginalPath:  originalPath,
		ProcessedPath: processedPath,
		Score:         metrics.Score,
		Duration:      metrics.Duration,
		Throughput:    metrics.Throughput,
		CreatedAt:     now,
	}, nil
}

// deviceSession loads the session a device refers to and checks that the
// device belongs to the session's patient.
func (c *Coordinator) deviceSession(ctx context.Context, sessionID, patientID int64) (*types.Session, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.PatientID != patientID {
		c.logger.WithFields(logrus.Fields{
			"session_id":       sessionID,
			"patient_id":       patientID,
			"owner_patient_id": s.PatientID,
		}).Warn("device message for another patient's session")
		return nil, ErrPatientMismatch
	}
	return s, nil
}

func (c *Coordinator) recordUpload(outcome string) {
	if c.uploads != nil {
		c.uploads.UploadHandled(outcome)
	}
}
