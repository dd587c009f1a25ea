// Copyright 2025 James Ross
package api

import (
	"net/http"
	"time"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/obs"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleWebSocket upgrades the connection and pushes one status frame
// per tick until the client goes away or falls behind.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range s.cfg.AllowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", obs.Err(err))
		return
	}

	id, updates := s.engine.Subscribe()
	s.logger.Info("status subscriber connected", obs.String("id", id))

	// Reader: drain and detect close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.engine.Unsubscribe(id)
				return
			}
		}
	}()

	// Writer: one frame per tick, pings to keep intermediaries open.
	go func() {
		defer func() {
			s.engine.Unsubscribe(id)
			_ = conn.Close()
			s.logger.Info("status subscriber disconnected", obs.String("id", id))
		}()
		pings := time.NewTicker(wsPingPeriod)
		defer pings.Stop()
		for {
			select {
			case snapshot, ok := <-updates:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(snapshot); err != nil {
					return
				}
			case <-pings.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
