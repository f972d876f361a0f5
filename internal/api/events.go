package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/proctrigger/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to loopback by default; any local page may watch.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams engine events as JSON text frames. The newest
// running_states and connection_state events are sent first so a new
// client renders current state without waiting a tick. An optional
// ?kinds=a,b query limits the stream to those kinds.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	filter := kindFilter(r.URL.Query().Get("kinds"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(wsBuffer)
	defer s.bus.Unsubscribe(sub)

	s.logger.Debug("event stream client connected", "remote", r.RemoteAddr, "subscribers", s.bus.SubscriberCount())

	// Reads are only for control frames and close detection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event stream read ended", "error", err)
				}
				return
			}
		}
	}()

	send := func(e events.Event) bool {
		if !filter(e.Kind) {
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(e); err != nil {
			s.logger.Debug("event stream write failed", "error", err)
			return false
		}
		return true
	}

	for _, kind := range []string{events.KindRunningStates, events.KindConnectionState} {
		if e, ok := s.bus.Last(kind); ok {
			if !send(e) {
				return
			}
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.closeStream(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-closed:
			return
		case e := <-sub:
			if !send(e) {
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

func (s *Server) closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)); err != nil {
		s.logger.Debug("event stream close failed", "error", err)
	}
}

// kindFilter returns a predicate for a comma-separated kind list. An
// empty list allows everything.
func kindFilter(raw string) func(string) bool {
	if strings.TrimSpace(raw) == "" {
		return func(string) bool { return true }
	}
	allowed := make(map[string]bool)
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			allowed[k] = true
		}
	}
	return func(kind string) bool { return allowed[kind] }
}
