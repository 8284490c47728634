package server

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// WebSocket endpoint. The connect middleware sees the remote address
	// and query parameters before the upgrade.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		agent, err := hub.backend.Connect(r.Context(), map[string]any{
			"remoteAddr": r.RemoteAddr,
			"query":      r.URL.Query(),
		})
		if err != nil {
			http.Error(w, errorBody(err).Message, http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade error: %v", err)
			return
		}
		client := newClient(hub, conn)
		client.session = newSession(hub.backend, agent, client)
		if !hub.join(client) {
			conn.Close()
			return
		}
		client.session.handshake()
		go client.WritePump()
		go client.ReadPump()
	})

	return mux
}
