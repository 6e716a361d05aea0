// websocket.go - Streaming transport: gorilla/websocket adapter for relay sessions
package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ais-virtualnet/backend/internal/relay"
)

const (
	// DefaultMaxMessageSize bounds one inbound frame.
	DefaultMaxMessageSize = 64 * 1024
	// DefaultWriteTimeout bounds one outbound frame.
	DefaultWriteTimeout = 10 * time.Second

	closeGracePeriod = time.Second
)

// WebSocketHandler manages streaming connections. Each connection gets one
// relay session; this handler's goroutine is the session's reader.
type WebSocketHandler struct {
	registry       SessionRegistry
	upgrader       websocket.Upgrader
	maxMessageSize int64
	writeTimeout   time.Duration
	log            *zap.Logger
}

// NewWebSocketHandler creates a new streaming handler
func NewWebSocketHandler(registry SessionRegistry, maxMessageSize int64, writeTimeout time.Duration, log *zap.Logger) StreamHandler {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WebSocketHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		maxMessageSize: maxMessageSize,
		writeTimeout:   writeTimeout,
		log:            log,
	}
}

// HandleStream upgrades the HTTP connection and pumps its frames into a
// relay session until either side closes.
func (wsh *WebSocketHandler) HandleStream(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		wsh.log.Debug("WebSocket upgrade failed", zap.Error(err))
		return nil
	}

	conn := newWSConn(ws, wsh.writeTimeout)
	sess, err := wsh.registry.Connect(conn)
	if err != nil {
		wsh.log.Info("Rejected streaming client", zap.Error(err))
		_ = conn.Close(relay.CloseTryAgainLater, relay.ReasonShutdown)
		return nil
	}

	ws.SetReadLimit(wsh.maxMessageSize)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-sess.Done():
				// Closed by our side; the read failed because of it.
			default:
				sess.Handle(readErrorEvent(err))
			}
			return nil
		}

		switch msgType {
		case websocket.TextMessage:
			sess.Handle(relay.Event{Kind: relay.EventText, Data: data})
		case websocket.BinaryMessage:
			sess.Handle(relay.Event{Kind: relay.EventBinary})
		}

		select {
		case <-sess.Done():
			return nil
		default:
		}
	}
}

// readErrorEvent maps a read failure to the session event it stands for.
func readErrorEvent(err error) relay.Event {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return relay.Event{Kind: relay.EventClose, Err: err}
	}
	return relay.Event{Kind: relay.EventError, Err: err}
}

// wsConn adapts a gorilla connection to relay.Conn.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	remote       string

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		remote:       ws.RemoteAddr().String(),
	}
}

func (c *wsConn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket, which unblocks a writer
// stuck in WriteText.
func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		// WriteControl may run concurrently with WriteMessage.
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}
