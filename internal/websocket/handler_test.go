package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrdiag/internal/database"
	"vrdiag/internal/protocol"
	"vrdiag/pkg/types"
)

type routedFrame struct {
	patientID int64
	frame     string
}

type recordingRouter struct {
	mu           sync.Mutex
	frames       []routedFrame
	disconnected []int64
}

func (r *recordingRouter) Route(ctx context.Context, patientID int64, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, routedFrame{patientID, string(frame)})
}

func (r *recordingRouter) Disconnected(patientID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, patientID)
}

func (r *recordingRouter) gone() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.disconnected...)
}

func (r *recordingRouter) routed() []routedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routedFrame(nil), r.frames...)
}

type handlerFixture struct {
	registry *Registry
	router   *recordingRouter
	patient  *types.Patient
	server   *httptest.Server
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	store := database.NewMemoryStore()
	patient := &types.Patient{Code: "p-0001", Name: "Test Patient"}
	require.NoError(t, store.CreatePatient(context.Background(), patient))

	f := &handlerFixture{
		registry: NewRegistry(nil),
		router:   &recordingRouter{},
		patient:  patient,
	}

	cfg := DefaultHandlerConfig()
	cfg.PingInterval = 0
	h := NewHandler(f.registry, store, f.router, cfg, nil)

	e := echo.New()
	e.GET("/ws/diagnosis/:patient_code", h.HandleWebSocket)
	f.server = httptest.NewServer(e)
	t.Cleanup(func() {
		f.registry.CloseAll()
		f.server.Close()
	})
	return f
}

func (f *handlerFixture) dial(t *testing.T, code string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/diagnosis/" + code
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestHandler_RejectsBeforeUpgrade(t *testing.T) {
	f := newHandlerFixture(t)

	tests := []struct {
		name   string
		code   string
		status int
	}{
		{"malformed code", "bad.code", http.StatusBadRequest},
		{"unknown patient", "p-9999", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(f.server.URL + "/ws/diagnosis/" + tt.code)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, f.registry.Count())
}

func TestHandler_RegistersAndRoutesFrames(t *testing.T) {
	f := newHandlerFixture(t)
	ws := f.dial(t, f.patient.Code)

	require.Eventually(t, func() bool { return f.registry.IsConnected(f.patient.ID) }, time.Second, 10*time.Millisecond)

	frames := []string{
		`{"action":"c_diagnosis_started","data":{"diagnosis_id":1}}`,
		`{"action":"c_upload_result","data":{"diagnosis_id":1,"file_content":"a,b"}}`,
	}
	for _, frame := range frames {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	require.Eventually(t, func() bool { return len(f.router.routed()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []routedFrame{
		{f.patient.ID, frames[0]},
		{f.patient.ID, frames[1]},
	}, f.router.routed())

	assert.True(t, f.registry.Send(f.patient.ID, protocol.StopSession(1)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got protocol.Envelope
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, protocol.ActionStopSession, got.Action)
}

func TestHandler_ReconnectForceDisconnectsOldChannel(t *testing.T) {
	f := newHandlerFixture(t)
	first := f.dial(t, f.patient.Code)
	require.Eventually(t, func() bool { return f.registry.IsConnected(f.patient.ID) }, time.Second, 10*time.Millisecond)

	second := f.dial(t, f.patient.Code)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got protocol.Envelope
	require.NoError(t, first.ReadJSON(&got))
	assert.Equal(t, protocol.ActionForceDisconnect, got.Action)

	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	// The superseded read loop exits without evicting the new channel.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, f.registry.IsConnected(f.patient.ID))
	assert.Empty(t, f.router.gone())

	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(`{"action":"c_diagnosis_failed","data":{"diagnosis_id":4}}`)))
	require.Eventually(t, func() bool { return len(f.router.routed()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandler_DisconnectUnregisters(t *testing.T) {
	f := newHandlerFixture(t)
	ws := f.dial(t, f.patient.Code)
	require.Eventually(t, func() bool { return f.registry.IsConnected(f.patient.ID) }, time.Second, 10*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, msg))

	assert.Eventually(t, func() bool { return !f.registry.IsConnected(f.patient.ID) }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(f.router.gone()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{f.patient.ID}, f.router.gone())
}

func TestHandler_FrameOverReadLimitClosesChannel(t *testing.T) {
	store := database.NewMemoryStore()
	patient := &types.Patient{Code: "p-0002", Name: "Test Patient"}
	require.NoError(t, store.CreatePatient(context.Background(), patient))

	registry := NewRegistry(nil)
	router := &recordingRouter{}
	cfg := DefaultHandlerConfig()
	cfg.PingInterval = 0
	cfg.ReadLimit = 256
	h := NewHandler(registry, store, router, cfg, nil)

	e := echo.New()
	e.GET("/ws/diagnosis/:patient_code", h.HandleWebSocket)
	server := httptest.NewServer(e)
	t.Cleanup(func() {
		registry.CloseAll()
		server.Close()
	})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/diagnosis/" + patient.Code
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.Eventually(t, func() bool { return registry.IsConnected(patient.ID) }, time.Second, 10*time.Millisecond)

	frame := `{"action":"c_upload_result","data":{"diagnosis_id":1,"file_content":"` + strings.Repeat("x", 1024) + `"}}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))

	assert.Eventually(t, func() bool { return !registry.IsConnected(patient.ID) }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, router.routed())
}
