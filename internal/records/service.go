// Package records is the read model doctors use to browse completed
// sessions and download their processed result files.
package records

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"vrdiag/internal/coordinator"
	"vrdiag/internal/policy"
	"vrdiag/pkg/interfaces"
	"vrdiag/pkg/types"
)

var ErrInvalidRange = errors.New("start date must not be after end date")

// Summary is one entry of a patient's record list.
type Summary struct {
	ID          int64             `json:"id"`
	ContentType types.ContentType `json:"type"`
	Level       int               `json:"level"`
	Filename    string            `json:"filename"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Metadata describes one completed session and its metrics.
type Metadata struct {
	PatientID   int64             `json:"patient_id"`
	ContentType types.ContentType `json:"type"`
	Level       int               `json:"level"`
	CreatedAt   time.Time         `json:"created_at"`
	Filename    string            `json:"filename"`
	Score       float64           `json:"score"`
	Duration    float64           `json:"time_spent"`
	Throughput  float64           `json:"fps"`
}

// File is a processed result ready for download.
type File struct {
	Name string
	Data []byte
}

type Service struct {
	store     interfaces.SessionStore
	artifacts interfaces.ArtifactStore
	policy    coordinator.Authorizer
	logger    logrus.FieldLogger
}

func NewService(store interfaces.SessionStore, artifacts interfaces.ArtifactStore, authz coordinator.Authorizer, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		store:     store,
		artifacts: artifacts,
		policy:    authz,
		logger:    logger.WithField("component", "records"),
	}
}

// List returns the patient's completed sessions created in [from, to].
func (s *Service) List(ctx context.Context, doctorID, patientID int64, from, to time.Time) ([]Summary, error) {
	if err := s.authorize(ctx, doctorID); err != nil {
		return nil, err
	}
	if from.After(to) {
		return nil, ErrInvalidRange
	}

	recs, err := s.store.ListCompletedRecords(ctx, patientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	out := make([]Summary, 0, len(recs))
	for _, r := range recs {
		out = append(out, Summary{
			ID:          r.Session.ID,
			ContentType: r.Session.ContentType,
			Level:       r.Session.Level,
			Filename:    path.Base(r.Result.ProcessedPath),
			CreatedAt:   r.Session.CreatedAt,
		})
	}
	return out, nil
}

// Metadata returns the record of a completed session. Sessions without a
// result are reported as ErrResultNotFound.
func (s *Service) Metadata(ctx context.Context, doctorID, sessionID int64) (*Metadata, error) {
	sess, result, err := s.record(ctx, doctorID, sessionID)
	if err != nil {
		return nil, err
	}
	return &Metadata{
		PatientID:   sess.PatientID,
		ContentType: sess.ContentType,
		Level:       sess.Level,
		CreatedAt:   sess.CreatedAt,
		Filename:    path.Base(result.ProcessedPath),
		Score:       result.Score,
		Duration:    result.Duration,
		Throughput:  result.Throughput,
	}, nil
}

// Download returns the processed result file of a completed session.
func (s *Service) Download(ctx context.Context, doctorID, sessionID int64) (*File, error) {
	_, result, err := s.record(ctx, doctorID, sessionID)
	if err != nil {
		return nil, err
	}

	data, err := s.artifacts.Get(ctx, result.ProcessedPath)
	if err != nil {
		if !errors.Is(err, interfaces.ErrArtifactNotFound) {
			s.logger.WithError(err).WithField("session_id", sessionID).Error("failed to fetch processed result")
		}
		return nil, err
	}
	return &File{Name: path.Base(result.ProcessedPath), Data: data}, nil
}

func (s *Service) record(ctx context.Context, doctorID, sessionID int64) (*types.Session, *types.SessionResult, error) {
	if err := s.authorize(ctx, doctorID); err != nil {
		return nil, nil, err
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.store.GetResult(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, result, nil
}

func (s *Service) authorize(ctx context.Context, doctorID int64) error {
	allowed, err := s.policy.Allow(ctx, policy.Input{Action: policy.ActionRecord, DoctorID: doctorID})
	if err != nil {
		return fmt.Errorf("access check failed: %w", err)
	}
	if !allowed {
		return coordinator.ErrForbidden
	}
	return nil
}
