package websocket

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/gradeflow/gradeflow/internal/jobs"
	"github.com/gradeflow/gradeflow/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	client.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

// JobUpdated implements orchestrator.Notifier: every status transition is
// pushed to connected dashboards.
func (h *Hub) JobUpdated(job *jobs.Job) {
	message, err := json.Marshal(map[string]interface{}{
		"type": "job_update",
		"data": job,
	})
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("Failed to marshal job update")
		return
	}
	h.Broadcast(message)
}
