// Package publisher streams session state snapshots to doctor clients by
// polling the session state machine.
package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"vrdiag/pkg/interfaces"
	"vrdiag/pkg/types"
)

const (
	DefaultInterval = 5 * time.Second

	notFoundMessage = "Diagnosis not found"
)

// SessionReader reads a session with lazy expiry applied.
type SessionReader interface {
	Get(ctx context.Context, id int64) (*types.Session, error)
}

// Publisher runs one polling loop per subscriber.
type Publisher struct {
	sessions SessionReader
	interval time.Duration
	logger   logrus.FieldLogger
}

func New(sessions SessionReader, interval time.Duration, logger logrus.FieldLogger) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{
		sessions: sessions,
		interval: interval,
		logger:   logger.WithField("component", "publisher"),
	}
}

// Stream emits a snapshot of session id right away and then once per
// interval. It returns after emitting a terminal snapshot or a not-found
// snapshot. A cancelled ctx or a failing emit ends the stream silently.
// Other read errors are returned.
func (p *Publisher) Stream(ctx context.Context, id int64, emit func(types.Snapshot) error) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log := p.logger.WithField("session_id", id)

	for {
		s, err := p.sessions.Get(ctx, id)
		switch {
		case errors.Is(err, interfaces.ErrSessionNotFound):
			_ = emit(types.Snapshot{ID: id, Error: notFoundMessage})
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			log.WithError(err).Error("failed to read session for status stream")
			return err
		}

		// The timestamp is when the state last changed, not when it was polled.
		snap := types.Snapshot{ID: s.ID, State: s.State, Timestamp: s.UpdatedAt}
		if err := emit(snap); err != nil {
			log.WithError(err).Debug("subscriber went away")
			return nil
		}
		if snap.IsTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
