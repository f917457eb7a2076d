package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamMovements upgrades to a websocket and pushes the current movement
// map every time it changes, giving a live view of FM-bound decisions
// without the caller polling /v1/query endpoints.
func (h *handler) streamMovements(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("movement stream upgrade failed")
		return
	}
	defer conn.Close()

	streamID := uuid.New().String()
	log := h.log.WithField("stream_id", streamID)
	log.Info("movement stream opened")
	defer log.Info("movement stream closed")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(h.eng.Movements())
			if err != nil {
				h.log.WithError(err).Warn("marshal movement stream payload")
				continue
			}
			if last != nil && string(payload) == string(last) {
				continue
			}
			last = payload
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
