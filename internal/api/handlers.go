package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/ghostchat/internal/server"
)

type HealthResponse struct {
	Status string `json:"status"`
}

func (s *GhostChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GhostChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	s.writeJson(w, http.StatusOK, s.cs.AvailableRooms())
}

func (s *GhostChatApp) health(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *GhostChatApp) notFound(w http.ResponseWriter, r *http.Request) {
	errResp := NewNotFoundError()
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *GhostChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAll {
		// non-browser clients send no origin header
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *GhostChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(conn, s.cs, s.log)
	if err := s.cs.RegisterClient(client); err != nil {
		if errors.Is(err, server.ErrShuttingDown) {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"),
				time.Now().Add(time.Second))
		}
		conn.Close()
		return
	}

	s.log.Printf("connection %s opened from %s", client.Id(), r.RemoteAddr)
	go client.Write()
	go client.Read()
}
