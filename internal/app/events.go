package app

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// handleEvents upgrades the connection to WebSocket and streams the caller's
// events until either side goes away. Browsers cannot set an Authorization
// header on a WebSocket handshake, so the token may also arrive as a query
// parameter.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("events: upgrade for %s: %v", session.UserID, err)
		return
	}

	channel := s.service.Registry().Register(session.UserID)
	if channel == nil {
		conn.Close()
		return
	}

	// Writer: drain the channel onto the wire. Exits when Unregister closes
	// the channel or a write fails.
	go func() {
		defer conn.Close()
		for event := range channel.Events() {
			payload, err := json.Marshal(event)
			if err != nil {
				log.Printf("events: marshal %s: %v", event.EventID, err)
				continue
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
				s.service.Registry().Unregister(channel)
				return
			}
		}
	}()

	// Reader: we expect no client data; reads exist only to notice the close.
	go func() {
		defer s.service.Registry().Unregister(channel)
		defer conn.Close()
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()
}
