package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"vrdiag/pkg/interfaces"
	"vrdiag/pkg/types"
)

// MessageRouter consumes raw frames read from a device channel.
type MessageRouter interface {
	Route(ctx context.Context, patientID int64, frame []byte)
	// Disconnected is called once the patient has no channel left.
	Disconnected(patientID int64)
}

// HandlerConfig tunes the device read loop.
type HandlerConfig struct {
	// ReadLimit must exceed the upload ceiling so oversize uploads reach the
	// router instead of killing the channel.
	ReadLimit    int64
	PongWait     time.Duration
	PingInterval time.Duration
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ReadLimit:    32 << 20,
		PongWait:     60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Handler upgrades device requests and runs one read loop per device.
type Handler struct {
	registry *Registry
	patients interfaces.PatientDirectory
	router   MessageRouter
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger
}

func NewHandler(registry *Registry, patients interfaces.PatientDirectory, router MessageRouter, cfg HandlerConfig, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		registry: registry,
		patients: patients,
		router:   router,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.WithField("component", "device_handler"),
	}
}

// HandleWebSocket serves GET /ws/diagnosis/:patient_code.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	code := c.Param("patient_code")
	if !types.IsValidPatientCode(code) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient code")
	}

	patient, err := h.patients.GetPatientByCode(c.Request().Context(), code)
	if errors.Is(err, interfaces.ErrPatientNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	if err != nil {
		h.logger.WithError(err).WithField("patient_code", code).Error("patient lookup failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "patient lookup failed")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return nil
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	conn := NewConnection(ws, patient.ID, h.cfg.PingInterval)
	if err := h.registry.Register(conn); err != nil {
		h.logger.WithError(err).Error("failed to register device")
		_ = conn.Close()
		return nil
	}

	go h.readLoop(conn, ws)
	return nil
}

func (h *Handler) readLoop(conn *Connection, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		if h.registry.UnregisterConnection(conn) {
			h.router.Disconnected(conn.PatientID())
		}
		_ = conn.Close()
	}()

	log := h.logger.WithFields(logrus.Fields{"patient_id": conn.PatientID(), "conn_id": conn.ID()})

	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	}
	if err := extend(); err != nil {
		log.WithError(err).Error("failed to set read deadline")
		return
	}
	ws.SetPongHandler(func(string) error { return extend() })

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("device channel error")
			}
			return
		}

		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			h.router.Route(ctx, conn.PatientID(), data)
		}

		// Routing an upload can outlast the pong window.
		if err := extend(); err != nil {
			return
		}
	}
}
