package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"camera-core-server/core"
)

const (
	wsWriteDeadline = 10 * time.Second
	wsReadDeadline  = 60 * time.Second
	wsPingInterval  = 54 * time.Second
	wsReadLimit     = 512
	wsFrameTimeout  = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket pushes raw bus frames to an analytics consumer over
// a websocket. Each client tracks its own last-seen sequence, so it
// receives a strictly ordered subsequence of published frames.
func (a *API) handleWebSocket(c *gin.Context) {
	id := c.Param("id")
	if _, err := a.reg.StatsFor(id); err != nil {
		abortWith(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{
		id:     uuid.NewString(),
		camera: id,
		conn:   conn,
		api:    a,
		done:   make(chan struct{}),
	}
	go client.writePump()
	go client.readPump()
}

type wsClient struct {
	id     string
	camera string
	conn   *websocket.Conn
	api    *API
	done   chan struct{}
}

// readPump discards client messages and watches for disconnect.
func (w *wsClient) readPump() {
	defer func() {
		close(w.done)
		w.conn.Close()
	}()
	w.conn.SetReadLimit(wsReadLimit)
	_ = w.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				w.api.log.Debug().Err(err).Str("client", w.id).Msg("websocket read error")
			}
			return
		}
	}
}

// writePump forwards the newest frame the client has not seen yet,
// pinging through droughts to keep the connection alive.
func (w *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	var lastSeen uint64
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		default:
		}

		frame, err := w.api.reg.GetLatest(w.camera, lastSeen, wsFrameTimeout)
		if err != nil {
			switch core.CodeOf(err) {
			case core.ReadTimeout, core.NoSource:
				continue
			default:
				return
			}
		}
		lastSeen = frame.Seq
		_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		if err := w.conn.WriteMessage(websocket.BinaryMessage, frame.Payload); err != nil {
			w.api.log.Debug().Err(err).Str("client", w.id).Msg("websocket write error")
			return
		}
	}
}
