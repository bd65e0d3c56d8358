package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tasktide/collab/internal/realtime"
)

const (
	maxInboundMessageBytes = 64 * 1024
	writeDeadline          = 10 * time.Second
)

type websocketHandler struct {
	core     *realtime.Core
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func newWebsocketHandler(core *realtime.Core, logger *zap.Logger) *websocketHandler {
	return &websocketHandler{
		core:   core,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients authenticate in-band with the first frame, so
			// origin filtering matches the open CORS policy of the REST side.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *websocketHandler) handleUpgrade(c *gin.Context) {
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.serve(c, socket)
}

// serve runs the read loop for one transport connection. Frames written
// before authentication go straight to the socket; once the session registers
// a connection, a write pump drains its bounded send queue instead.
func (h *websocketHandler) serve(c *gin.Context, socket *websocket.Conn) {
	defer socket.Close()

	var writeMu sync.Mutex
	writeFrame := func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		socket.SetWriteDeadline(time.Now().Add(writeDeadline))
		return socket.WriteMessage(websocket.TextMessage, frame)
	}

	pumpDone := make(chan struct{})
	pumpStarted := false
	defer func() {
		if pumpStarted {
			<-pumpDone
		}
	}()

	// Closing the session unregisters the connection, which shuts the send
	// queue and lets the write pump drain out before the deferred wait above.
	session := realtime.NewSession(h.core, writeFrame, h.logger)
	defer session.Close("transport closed")

	socket.SetReadLimit(maxInboundMessageBytes)
	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		if err := session.HandleMessage(c.Request.Context(), raw); err != nil {
			// The session has already sent an error notice and closed itself;
			// closing the registry entry shuts the send queue, which ends the
			// write pump.
			h.logger.Debug("session terminated", zap.Error(err))
			return
		}

		if !pumpStarted {
			if conn := session.Connection(); conn != nil {
				pumpStarted = true
				go func() {
					defer close(pumpDone)
					h.writePump(socket, conn, writeFrame)
				}()
			}
		}
	}
}

// writePump drains the connection's send queue onto the socket. It exits when
// the queue closes (unregister) or a write fails, and closing the socket then
// unblocks the read loop.
func (h *websocketHandler) writePump(socket *websocket.Conn, conn *realtime.Connection, writeFrame func([]byte) error) {
	for frame := range conn.Outbound() {
		if err := writeFrame(frame); err != nil {
			h.logger.Debug("websocket write failed",
				zap.String("connection_id", conn.ID()),
				zap.Error(err))
			socket.Close()
			return
		}
	}
	socket.Close()
}
