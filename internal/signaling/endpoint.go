package signaling

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/protocol"
)

const wsWriteWait = 1 * time.Second

// wsEndpoint is one client connection as seen by the registries. Outbound
// frames go through a bounded queue drained by writeLoop, which is the only
// writer of data frames on conn.
type wsEndpoint struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	out          chan []byte
	pingInterval time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newEndpoint(conn *websocket.Conn, queueSize int, pingInterval time.Duration, logger *slog.Logger) *wsEndpoint {
	id := uuid.NewString()
	return &wsEndpoint{
		id:           id,
		conn:         conn,
		logger:       logger.With("endpoint_id", id),
		out:          make(chan []byte, queueSize),
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}
}

func (e *wsEndpoint) ID() string { return e.id }

// Send encodes ev and queues it. It never blocks: a closed endpoint or a full
// queue yields a TransportError and the event is dropped.
func (e *wsEndpoint) Send(ev protocol.ServerEvent) error {
	frame, err := protocol.EncodeServerEvent(ev)
	if err != nil {
		return err
	}
	select {
	case <-e.done:
		return fmt.Errorf("endpoint %s closed: %w", e.id, callerr.ErrTransport)
	default:
	}
	select {
	case e.out <- frame:
		return nil
	default:
		return fmt.Errorf("endpoint %s send queue full: %w", e.id, callerr.ErrTransport)
	}
}

func (e *wsEndpoint) writeLoop() {
	var tick <-chan time.Time
	if e.pingInterval > 0 {
		ticker := time.NewTicker(e.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-e.done:
			return
		case frame := <-e.out:
			_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := e.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				e.logger.Debug("websocket write failed", "err", err)
				e.close()
				return
			}
		case <-tick:
			if err := e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				e.logger.Debug("websocket ping failed", "err", err)
				e.close()
				return
			}
		}
	}
}

// closeWith sends a close frame and tears the connection down.
func (e *wsEndpoint) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	e.close()
}

func (e *wsEndpoint) close() {
	e.closeOnce.Do(func() {
		close(e.done)
		_ = e.conn.Close()
	})
}
