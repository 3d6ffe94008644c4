// Package router turns raw device frames into coordinator calls.
package router

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"vrdiag/internal/protocol"
)

// DeviceHandler is the session-facing side of every device action.
type DeviceHandler interface {
	HandleDeviceStarted(ctx context.Context, sessionID, patientID int64) error
	HandleDeviceFailed(ctx context.Context, sessionID, patientID int64) error
	HandleDeviceUpload(ctx context.Context, patientID int64, msg protocol.UploadResult) error
}

// DropCounter records why a frame was not handled.
type DropCounter interface {
	DeviceMessageDropped(reason string)
}

// Router decodes frames once and dispatches them in arrival order. Errors
// are logged and never reach the device channel.
type Router struct {
	handler DeviceHandler
	limiter *RateLimiter
	drops   DropCounter
	logger  logrus.FieldLogger
}

func NewRouter(handler DeviceHandler, limiter *RateLimiter, drops DropCounter, logger logrus.FieldLogger) *Router {
	if limiter == nil {
		limiter = NewRateLimiter(0, 0, nil)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Router{
		handler: handler,
		limiter: limiter,
		drops:   drops,
		logger:  logger.WithField("component", "router"),
	}
}

// Route implements websocket.MessageRouter.
func (r *Router) Route(ctx context.Context, patientID int64, frame []byte) {
	log := r.logger.WithField("patient_id", patientID)

	if err := r.Dispatch(ctx, patientID, frame); err != nil {
		log.WithError(err).Warn("device message dropped")
	}
}

// Disconnected implements websocket.MessageRouter. A reconnecting device
// starts with a fresh rate-limit window.
func (r *Router) Disconnected(patientID int64) {
	r.limiter.Forget(patientID)
}

// Dispatch is Route with the outcome returned.
func (r *Router) Dispatch(ctx context.Context, patientID int64, frame []byte) error {
	if !r.limiter.Allow(patientID) {
		r.drop("rate_limited")
		return ErrRateLimited
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownAction) {
			r.drop("unknown_action")
		} else {
			r.drop("malformed")
		}
		return err
	}

	switch m := msg.(type) {
	case protocol.SessionStarted:
		err = r.handler.HandleDeviceStarted(ctx, m.SessionID, patientID)
	case protocol.SessionFailed:
		err = r.handler.HandleDeviceFailed(ctx, m.SessionID, patientID)
	case protocol.UploadResult:
		err = r.handler.HandleDeviceUpload(ctx, patientID, m)
	default:
		err = protocol.ErrUnknownAction
	}
	if err != nil {
		r.drop("rejected")
	}
	return err
}

func (r *Router) drop(reason string) {
	if r.drops != nil {
		r.drops.DeviceMessageDropped(reason)
	}
}
