package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/foreman/board"
)

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		s.writeError(w, err)
		return
	}

	snap, err := board.BuildSnapshot(r.Context(), projectID, s.store, s.registry)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The board feed is same-origin in deployment; the UI dev server
	// proxies, so origin checking is left to the reverse proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleBoardWS streams board events for one project over a WebSocket.
// The subscription's buffer drops oldest on overflow; clients reconcile
// by re-fetching the snapshot on any "refresh" event.
func (s *Server) handleBoardWS(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := s.bus.Subscribe(projectID)
	defer sub.Cancel()
	defer conn.Close()

	// Reader only to observe close frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
