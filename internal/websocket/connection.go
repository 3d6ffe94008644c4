package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 5 * time.Second
	writeBuffer  = 32
	closeTimeout = 2 * time.Second
)

// Connection wraps one device WebSocket. All writes, pings included, go
// through a single writer goroutine.
type Connection struct {
	conn         *websocket.Conn
	id           string
	patientID    int64
	writeCh      chan []byte
	closing      chan struct{}
	done         chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	pingInterval time.Duration
}

// NewConnection starts the writer for conn. A non-positive pingInterval
// disables pings.
func NewConnection(conn *websocket.Conn, patientID int64, pingInterval time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		id:           uuid.NewString(),
		patientID:    patientID,
		writeCh:      make(chan []byte, writeBuffer),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		pingInterval: pingInterval,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) PatientID() int64 { return c.patientID }

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	defer close(c.done)

	var pings <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}

		case <-pings:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-c.closing:
			// Flush what is already queued, then say goodbye.
			for {
				select {
				case data := <-c.writeCh:
					if err := c.write(data); err != nil {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
					return
				}
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON queues v for the writer goroutine.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.closing:
		return ErrConnectionClosed
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(writeWait):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close flushes queued messages, sends a close frame and releases the socket.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		select {
		case <-c.done:
		case <-time.After(closeTimeout):
		}
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
