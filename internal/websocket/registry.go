package websocket

import (
	"sync"

	"github.com/sirupsen/logrus"

	"vrdiag/internal/protocol"
	"vrdiag/pkg/interfaces"
)

// Registry maps each patient to its single live device channel.
type Registry struct {
	mu          sync.RWMutex
	connections map[int64]interfaces.Connection
	logger      logrus.FieldLogger
}

var _ interfaces.DeviceNotifier = (*Registry)(nil)

func NewRegistry(logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		connections: make(map[int64]interfaces.Connection),
		logger:      logger.WithField("component", "registry"),
	}
}

// Register makes conn the patient's channel. A previous channel is told it
// was superseded and closed.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	patientID := conn.PatientID()
	if patientID <= 0 {
		return ErrNoPatient
	}

	r.mu.Lock()
	existing, exists := r.connections[patientID]
	r.connections[patientID] = conn
	r.mu.Unlock()

	log := r.logger.WithFields(logrus.Fields{"patient_id": patientID, "conn_id": conn.ID()})
	if exists && existing != conn {
		log.WithField("superseded_conn_id", existing.ID()).Warn("device reconnected, closing previous channel")
		go func() {
			_ = existing.WriteJSON(protocol.ForceDisconnect("connected from another device"))
			if err := existing.Close(); err != nil {
				log.WithError(err).Debug("failed to close superseded channel")
			}
		}()
	}

	log.Info("device registered")
	return nil
}

// UnregisterConnection removes conn only if it is still the patient's
// registered channel, so a superseded channel's cleanup cannot evict its
// replacement. It reports whether conn was removed.
func (r *Registry) UnregisterConnection(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, ok := r.connections[conn.PatientID()]
	if !ok || registered != conn {
		return false
	}
	delete(r.connections, conn.PatientID())
	r.logger.WithFields(logrus.Fields{"patient_id": conn.PatientID(), "conn_id": conn.ID()}).Info("device unregistered")
	return true
}

// Unregister drops and closes the patient's channel. Unknown patients are ignored.
func (r *Registry) Unregister(patientID int64) {
	r.mu.Lock()
	conn, ok := r.connections[patientID]
	delete(r.connections, patientID)
	r.mu.Unlock()

	if ok {
		go func() { _ = conn.Close() }()
	}
}

// Send delivers message to the patient's device. It reports false when the
// patient has no channel or the write fails.
func (r *Registry) Send(patientID int64, message interface{}) bool {
	r.mu.RLock()
	conn, ok := r.connections[patientID]
	r.mu.RUnlock()

	if !ok {
		r.logger.WithField("patient_id", patientID).Warn("send to disconnected device dropped")
		return false
	}

	if err := conn.WriteJSON(message); err != nil {
		r.logger.WithError(err).WithField("patient_id", patientID).Warn("send to device failed")
		return false
	}
	return true
}

func (r *Registry) IsConnected(patientID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.connections[patientID]
	return ok
}

// Count returns the number of connected devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll closes every channel. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]interfaces.Connection, 0, len(r.connections))
	for id, c := range r.connections {
		conns = append(conns, c)
		delete(r.connections, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c interfaces.Connection) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}
	wg.Wait()
}
