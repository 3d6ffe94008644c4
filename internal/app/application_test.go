package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrdiag/internal/api"
	"vrdiag/internal/config"
	"vrdiag/internal/logging"
	"vrdiag/internal/protocol"
	"vrdiag/internal/records"
	"vrdiag/pkg/types"
)

const resultCSV = `current_time,State,Score
2024-01-31 09:45:00.000000,0,0
2024-01-31 09:45:00.500000,1,10
2024-01-31 09:45:01.000000,0,10
2024-01-31 09:45:02.000000,1,20
`

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = config.BackendMemory
	cfg.Session.StatusInterval = 20 * time.Millisecond
	cfg.Log.Level = "error"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	logger, err := logging.NewWithOutput(logging.Config{Level: "error"}, io.Discard)
	require.NoError(t, err)

	a, err := NewApplication(context.Background(), cfg, logger)
	require.NoError(t, err)
	return a
}

func doctorRequest(t *testing.T, method, url string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.DoctorHeader, "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func sendFrame(t *testing.T, ws *gorilla.Conn, action string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(protocol.Envelope{Action: action, Data: raw}))
}

func TestApplication_DiagnosisFlow(t *testing.T) {
	a := newTestApp(t, testConfig())
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	ctx := context.Background()
	patient := &types.Patient{Code: "vr-001", Name: "Test Patient"}
	require.NoError(t, a.Store().CreatePatient(ctx, patient))

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/diagnosis/" + patient.Code
	ws, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.Eventually(t, func() bool { return a.registry.IsConnected(patient.ID) }, time.Second, 10*time.Millisecond)

	// doctor starts a session
	resp := doctorRequest(t, http.MethodPost, srv.URL+"/api/diagnosis/start",
		fmt.Sprintf(`{"patient_id":%d,"type":"FITBOX","level":2}`, patient.ID))
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created api.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	// device receives the start message
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, protocol.ActionStartSession, env.Action)
	var start struct {
		SessionID int64             `json:"diagnosis_id"`
		Type      types.ContentType `json:"type"`
		Level     int               `json:"level"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &start))
	assert.Equal(t, created.ID, start.SessionID)
	assert.Equal(t, types.ContentFitBox, start.Type)

	stateOf := func() types.State {
		s, err := a.sessions.Get(ctx, created.ID)
		require.NoError(t, err)
		return s.State
	}

	sendFrame(t, ws, protocol.ActionSessionStarted, protocol.SessionStarted{SessionID: created.ID})
	require.Eventually(t, func() bool { return stateOf() == types.StateStarted }, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, ws, protocol.ActionUploadResult, protocol.UploadResult{SessionID: created.ID, FileContent: resultCSV})
	require.Eventually(t, func() bool { return stateOf() == types.StateCompleted }, 2*time.Second, 10*time.Millisecond)

	// the status stream ends with the terminal snapshot
	status := doctorRequest(t, http.MethodGet, fmt.Sprintf("%s/api/diagnosis/%d/status", srv.URL, created.ID), "")
	defer status.Body.Close()
	body, err := io.ReadAll(status.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"state":"COMPLETED"`)

	// the record is browsable
	meta := doctorRequest(t, http.MethodGet, fmt.Sprintf("%s/api/diagnosis/record/%d/metadata", srv.URL, created.ID), "")
	defer meta.Body.Close()
	require.Equal(t, http.StatusOK, meta.StatusCode)
	var metadata records.Metadata
	require.NoError(t, json.NewDecoder(meta.Body).Decode(&metadata))
	assert.Equal(t, patient.ID, metadata.PatientID)
	assert.InDelta(t, 20, metadata.Score, 1e-9)
	assert.InDelta(t, 2, metadata.Duration, 1e-9)

	file := doctorRequest(t, http.MethodGet, fmt.Sprintf("%s/api/diagnosis/record/%d/file", srv.URL, created.ID), "")
	defer file.Body.Close()
	require.Equal(t, http.StatusOK, file.StatusCode)
	csvBody, err := io.ReadAll(file.Body)
	require.NoError(t, err)
	assert.Contains(t, string(csvBody), "time (second)")

	// the code went back to the pool and metrics saw the upload
	stats, err := a.pool.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Active)

	m, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	exposition, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	assert.Contains(t, string(exposition), `vrdiag_result_uploads_total{outcome="completed"} 1`)
	assert.Contains(t, string(exposition), "vrdiag_devices_connected 1")
}

func TestApplication_UnknownPatientCodeIsRejected(t *testing.T) {
	a := newTestApp(t, testConfig())
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/diagnosis/nobody"
	_, resp, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApplication_StartStopWithSQLite(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "data", "vrdiag.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = port
	a := newTestApp(t, cfg)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	resp, err := http.Get("http://" + a.GetAddr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx))
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.CodePool.Backend = "etcd"

	_, err := NewApplication(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNewApplication_MissingPolicyFile(t *testing.T) {
	cfg := testConfig()
	cfg.Session.PolicyFile = filepath.Join(t.TempDir(), "missing.rego")

	_, err := NewApplication(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "policy file")
}
