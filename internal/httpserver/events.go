package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"digistore/internal/apperr"
	"digistore/internal/feed"
	"digistore/internal/session"
)

const heartbeatInterval = 25 * time.Second

func (s *Server) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if err := sess.RequireUser(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stream(w, r, feed.UserChannel(sess.UserID))
}

func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if err := session.FromContext(r.Context()).RequireAdmin(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stream(w, r, feed.AdminChannel)
}

// stream relays feed events as Server-Sent Events until the client leaves or
// the server shuts down.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, channel string) {
	if s.deps.Feed == nil {
		s.writeError(w, r, apperr.Persistence("subscribe", fmt.Errorf("realtime feed not configured")))
		return
	}
	events, stop, err := s.deps.Feed.Subscribe(r.Context(), channel)
	if err != nil {
		s.writeError(w, r, apperr.Persistence("subscribe", err))
		return
	}
	defer stop()

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream cannot flush", "error", err)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode feed event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Table, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
