package interfaces

// Connection is one live device channel.
// ARCHITECTURAL DISCOVERY: The registry only needs these four methods, so
// transports and test doubles plug in without touching registry logic.
type Connection interface {
	// WriteJSON queues v for delivery; implementations must be safe for
	// concurrent callers.
	WriteJSON(v interface{}) error

	// Close tears the channel down. Calling it more than once is allowed.
	Close() error

	// PatientID identifies the patient whose device holds the channel.
	PatientID() int64

	// ID distinguishes two channels opened by the same patient.
	ID() string
}

// DeviceNotifier is the part of the connection registry the session layer
// depends on.
type DeviceNotifier interface {
	IsConnected(patientID int64) bool
	Send(patientID int64, message interface{}) bool
}
