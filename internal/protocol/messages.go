// Package protocol defines the WebSocket messages exchanged with VR devices.
//
// Every frame is an envelope {"action": ..., "data": {...}}. Inbound frames
// are decoded once by Decode into one of the Inbound variants; nothing past
// the channel boundary handles raw JSON.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"vrdiag/pkg/types"
)

// Actions sent by the server to a device
const (
	ActionStartSession    = "s_start_diagnosis"
	ActionStopSession     = "s_stop_diagnosis"
	ActionForceDisconnect = "s_force_disconnect"
)

// Actions sent by a device to the server
const (
	ActionUploadResult   = "c_upload_result"
	ActionSessionStarted = "c_diagnosis_started"
	ActionSessionFailed  = "c_diagnosis_failed"
)

const EncodingBase64 = "base64"

var (
	ErrMalformed     = errors.New("malformed device message")
	ErrUnknownAction = errors.New("unknown device action")
)

// Envelope is the outer shape of every frame.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Inbound is a decoded device message. The set of variants is closed.
type Inbound interface {
	Action() string
	SessionRef() int64
	inbound()
}

// SessionStarted reports that the device began running the session.
type SessionStarted struct {
	SessionID int64 `json:"diagnosis_id"`
}

// SessionFailed reports that the device could not run the session.
type SessionFailed struct {
	SessionID int64 `json:"diagnosis_id"`
}

// UploadResult carries the result file of a finished session.
type UploadResult struct {
	SessionID   int64  `json:"diagnosis_id"`
	FileContent string `json:"file_content"`
	// Encoding is empty for inline text or "base64".
	Encoding string `json:"encoding,omitempty"`
}

func (SessionStarted) Action() string { return ActionSessionStarted }
func (SessionFailed) Action() string  { return ActionSessionFailed }
func (UploadResult) Action() string   { return ActionUploadResult }

func (m SessionStarted) SessionRef() int64 { return m.SessionID }
func (m SessionFailed) SessionRef() int64  { return m.SessionID }
func (m UploadResult) SessionRef() int64   { return m.SessionID }

func (SessionStarted) inbound() {}
func (SessionFailed) inbound()  {}
func (UploadResult) inbound()   {}

// Payload returns the uploaded file bytes.
func (m UploadResult) Payload() ([]byte, error) {
	if m.Encoding == EncodingBase64 {
		data, err := base64.StdEncoding.DecodeString(m.FileContent)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 file_content: %v", ErrMalformed, err)
		}
		return data, nil
	}
	return []byte(m.FileContent), nil
}

// Decode parses one device frame.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Inbound
	switch env.Action {
	case ActionSessionStarted:
		var m SessionStarted
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		msg = m
	case ActionSessionFailed:
		var m SessionFailed
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		msg = m
	case ActionUploadResult:
		var m UploadResult
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		if m.Encoding != "" && m.Encoding != EncodingBase64 && m.Encoding != "text" {
			return nil, fmt.Errorf("%w: unsupported encoding %q", ErrMalformed, m.Encoding)
		}
		msg = m
	case "":
		return nil, fmt.Errorf("%w: missing action", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}

	if msg.SessionRef() <= 0 {
		return nil, fmt.Errorf("%w: %s requires a positive diagnosis_id", ErrMalformed, env.Action)
	}
	return msg, nil
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Outbound is a server-to-device message ready for WriteJSON.
type Outbound struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data,omitempty"`
}

// StartSessionData tells a device which exercise to run.
type StartSessionData struct {
	SessionID   int64             `json:"diagnosis_id"`
	ContentType types.ContentType `json:"type"`
	Level       int               `json:"level"`
}

// StopSessionData tells a device to abandon a session.
type StopSessionData struct {
	SessionID int64 `json:"diagnosis_id"`
}

// ForceDisconnectData explains why the server is closing the channel.
type ForceDisconnectData struct {
	Reason string `json:"reason"`
}

func StartSession(s *types.Session) Outbound {
	return Outbound{
		Action: ActionStartSession,
		Data: StartSessionData{
			SessionID:   s.ID,
			ContentType: s.ContentType,
			Level:       s.Level,
		},
	}
}

func StopSession(sessionID int64) Outbound {
	return Outbound{Action: ActionStopSession, Data: StopSessionData{SessionID: sessionID}}
}

func ForceDisconnect(reason string) Outbound {
	return Outbound{Action: ActionForceDisconnect, Data: ForceDisconnectData{Reason: reason}}
}
