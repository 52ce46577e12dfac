package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caiatech/crawlorc/internal/obslog"
)

// upgrader accepts the fan-out's inbound websocket subscription requests.
// CheckOrigin accepts every origin; no origin or CORS check is applied to
// the subscribe route on the way in either.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// ServeWS upgrades r to a websocket connection and streams jobID's events to
// it until the subscriber disconnects or the job's terminal event is
// delivered.
func ServeWS(f *Fanout, w http.ResponseWriter, r *http.Request, jobID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	events, unsubscribe := f.Subscribe(jobID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drainClientReads(conn, cancel)

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			body, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return err
			}
			if evt.Terminal {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// drainClientReads discards inbound frames (this sink is push-only) and
// cancels cancel once the client disconnects, so ServeWS's select unblocks.
func drainClientReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			obslog.For("fanout").Debug().Err(err).Msg("websocket subscriber disconnected")
			return
		}
	}
}
