package webserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agusx1211/gonogo/internal/debug"
	"github.com/agusx1211/gonogo/internal/progress"
)

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

const wsWriteTimeout = 15 * time.Second

// handleProgressWebSocket relays a target's progress events until the loop
// completes or the client goes away. The latest event is sent first.
func (srv *Server) handleProgressWebSocket(w http.ResponseWriter, r *http.Request) {
	targetID := r.PathValue("id")
	if targetID == "" {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// Viewers never send; CloseRead turns a client close into ctx cancellation.
	ctx := ws.CloseRead(r.Context())

	events, cancel := srv.source.Subscribe(targetID)
	defer cancel()
	debug.LogKV("webserver", "progress subscriber attached", "target", targetID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if err := writeEnvelope(ctx, ws, wsEnvelope{Type: string(ev.Type), Data: ev}); err != nil {
				return
			}
			if ev.Type.Final() {
				ws.Close(websocket.StatusNormalClosure, "loop complete")
				return
			}
		}
	}
}

func writeEnvelope(ctx context.Context, ws *websocket.Conn, msg wsEnvelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

// DecodeEvent parses one stream message back into an event.
func DecodeEvent(data []byte) (progress.Event, error) {
	var env struct {
		Type string         `json:"type"`
		Data progress.Event `json:"data"`
	}
	err := json.Unmarshal(data, &env)
	return env.Data, err
}
