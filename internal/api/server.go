// Package api is the doctor-facing HTTP surface. Handlers translate
// requests into coordinator, publisher and records calls and map their
// errors onto status codes. No session logic lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"vrdiag/internal/codepool"
	"vrdiag/internal/coordinator"
	"vrdiag/internal/policy"
	"vrdiag/internal/records"
	"vrdiag/internal/session"
	"vrdiag/pkg/interfaces"
	"vrdiag/pkg/types"
)

// DoctorHeader carries the authenticated doctor id. An upstream gateway
// that validates the doctor's token is expected to set it.
const DoctorHeader = "X-Doctor-ID"

const doctorKey = "doctor_id"

// Sessions is what the server needs from the coordinator.
type Sessions interface {
	StartSession(ctx context.Context, in session.CreateInput) (*types.Session, error)
	CancelSession(ctx context.Context, sessionID, doctorID int64) (*types.Session, error)
	LiveSession(ctx context.Context, doctorID int64) (*types.Session, error)
	Authorize(ctx context.Context, action string, sessionID, doctorID int64) (*types.Session, error)
}

// StatusStream pushes session snapshots until the session ends.
type StatusStream interface {
	Stream(ctx context.Context, id int64, emit func(types.Snapshot) error) error
}

// Records is the read model behind the record endpoints.
type Records interface {
	List(ctx context.Context, doctorID, patientID int64, from, to time.Time) ([]records.Summary, error)
	Metadata(ctx context.Context, doctorID, sessionID int64) (*records.Metadata, error)
	Download(ctx context.Context, doctorID, sessionID int64) (*records.File, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DeviceCounter reports how many devices are connected.
type DeviceCounter interface {
	Count() int
}

// Config holds the collaborators of a Server. Metrics and Devices are
// optional.
type Config struct {
	Sessions  Sessions
	Status    StatusStream
	Records   Records
	Database  HealthChecker
	Devices   DeviceCounter
	DeviceWS  echo.HandlerFunc
	Metrics   http.Handler
	Logger    logrus.FieldLogger
	StartedAt time.Time
}

type Server struct {
	echo      *echo.Echo
	sessions  Sessions
	status    StatusStream
	records   Records
	database  HealthChecker
	devices   DeviceCounter
	logger    logrus.FieldLogger
	startedAt time.Time
}

type StartRequest struct {
	PatientID   int64  `json:"patient_id"`
	ContentType string `json:"type"`
	Level       int    `json:"level"`
}

// SessionResponse is returned by start and live.
type SessionResponse struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	ExpiredAt time.Time `json:"expired_at"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Devices   int       `json:"devices"`
	Uptime    string    `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("sessions cannot be nil")
	case cfg.Status == nil:
		return nil, errors.New("status stream cannot be nil")
	case cfg.Records == nil:
		return nil, errors.New("records cannot be nil")
	case cfg.Database == nil:
		return nil, errors.New("database health check cannot be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	s := &Server{
		echo:      echo.New(),
		sessions:  cfg.Sessions,
		status:    cfg.Status,
		records:   cfg.Records,
		database:  cfg.Database,
		devices:   cfg.Devices,
		logger:    logger.WithField("component", "api"),
		startedAt: startedAt,
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, DoctorHeader},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}).Debug("request served")
			return nil
		},
	}))

	s.RegisterRoutes(cfg.DeviceWS, cfg.Metrics)
	return s, nil
}

// RegisterRoutes mounts every endpoint. deviceWS and metrics may be nil.
func (s *Server) RegisterRoutes(deviceWS echo.HandlerFunc, metrics http.Handler) {
	e := s.echo
	e.GET("/health", s.health)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
	if deviceWS != nil {
		e.GET("/ws/diagnosis/:patient_code", deviceWS)
	}

	g := e.Group("/api/diagnosis", s.requireDoctor)
	g.POST("/start", s.startDiagnosis)
	g.GET("/live", s.liveDiagnosis)
	g.POST("/:id/cancel", s.cancelDiagnosis)
	g.GET("/:id/status", s.streamStatus)
	g.GET("/record/list", s.listRecords)
	g.GET("/record/:id/metadata", s.recordMetadata)
	g.GET("/record/:id/file", s.recordFile)
}

// ServeHTTP lets the server be mounted on any http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.WithField("addr", addr).Info("http server listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying instance for server timeouts.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) requireDoctor(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := c.Request().Header.Get(DoctorHeader)
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid doctor identity")
		}
		c.Set(doctorKey, id)
		return next(c)
	}
}

func doctorID(c echo.Context) int64 {
	id, _ := c.Get(doctorKey).(int64)
	return id
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid diagnosis id")
	}
	return id, nil
}

// POST /api/diagnosis/start
func (s *Server) startDiagnosis(c echo.Context) error {
	var req StartRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON")
	}
	ct, err := types.ParseContentType(req.ContentType)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sess, err := s.sessions.StartSession(c.Request().Context(), session.CreateInput{
		DoctorID:    doctorID(c),
		PatientID:   req.PatientID,
		ContentType: ct,
		Level:       req.Level,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, SessionResponse{ID: sess.ID, Code: sess.Code, ExpiredAt: sess.ExpiresAt})
}

// GET /api/diagnosis/live
func (s *Server) liveDiagnosis(c echo.Context) error {
	sess, err := s.sessions.LiveSession(c.Request().Context(), doctorID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SessionResponse{ID: sess.ID, Code: sess.Code, ExpiredAt: sess.ExpiresAt})
}

// POST /api/diagnosis/:id/cancel
func (s *Server) cancelDiagnosis(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if _, err := s.sessions.CancelSession(c.Request().Context(), id, doctorID(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// GET /api/diagnosis/:id/status
//
// Access is checked before the stream opens so refusals still get a
// proper status code. Once headers are sent, errors can only end the stream.
func (s *Server) streamStatus(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := s.sessions.Authorize(ctx, policy.ActionStatus, id, doctorID(c)); err != nil {
		return err
	}

	w := c.Response()
	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = s.status.Stream(ctx, id, func(snap types.Snapshot) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("session_id", id).Warn("status stream ended with error")
	}
	return nil
}

// GET /api/diagnosis/record/list
func (s *Server) listRecords(c echo.Context) error {
	patientID, err := strconv.ParseInt(c.QueryParam("patient_id"), 10, 64)
	if err != nil || patientID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	from, err := parseDate(c.QueryParam("start_date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid start_date")
	}
	to, err := parseDate(c.QueryParam("end_date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid end_date")
	}

	list, err := s.records.List(c.Request().Context(), doctorID(c), patientID, from, to)
	if err != nil {
		return err
	}
	if list == nil {
		list = []records.Summary{}
	}
	return c.JSON(http.StatusOK, list)
}

// GET /api/diagnosis/record/:id/metadata
func (s *Server) recordMetadata(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	meta, err := s.records.Metadata(c.Request().Context(), doctorID(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, meta)
}

// GET /api/diagnosis/record/:id/file
func (s *Server) recordFile(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	file, err := s.records.Download(c.Request().Context(), doctorID(c), id)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", file.Name))
	return c.Blob(http.StatusOK, "text/csv", file.Data)
}

// GET /health
func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "healthy",
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.devices != nil {
		resp.Devices = s.devices.Count()
	}

	code := http.StatusOK
	if err := s.database.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = fmt.Sprintf("error: %v", err)
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// parseDate accepts RFC 3339 timestamps or plain dates.
func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, message := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("uri", c.Request().RequestURI).Error("request failed")
	}

	resp := ErrorResponse{Error: http.StatusText(code), Code: code, Message: message}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		s.logger.WithError(err).Warn("failed to write error response")
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, fmt.Sprint(he.Message)
	}

	switch {
	case errors.Is(err, session.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, session.ErrDeviceUnavailable),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, records.ErrInvalidRange):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "diagnosis not found"
	case errors.Is(err, interfaces.ErrResultNotFound),
		errors.Is(err, interfaces.ErrArtifactNotFound):
		return http.StatusNotFound, "diagnosis record not found"
	case errors.Is(err, coordinator.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, codepool.ErrPoolExhausted):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
