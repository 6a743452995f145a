package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/orchestrator"
)

const (
	wsReadLimit    = maxRequestBody
	wsWriteTimeout = 10 * time.Second
	wsEventBuffer  = 64
)

// wsErrorKind maps a pre-output turn failure to the error event kind a
// WebSocket client receives in place of a status code.
func wsErrorKind(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return orchestrator.ErrorKindInvalidRequest
	case errors.Is(err, orchestrator.ErrProfileUnavailable):
		return orchestrator.ErrorKindProfile
	case errors.Is(err, orchestrator.ErrGenerationFailed):
		return orchestrator.ErrorKindGeneration
	default:
		return orchestrator.ErrorKindInternal
	}
}

// handleWSChat runs turns over a WebSocket. Each text message is one
// request; its events come back as one JSON message each, in the same
// shape as the NDJSON lines. Turns on a connection run one at a time.
func (s *Server) handleWSChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Turns == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errTypeServer, "chat not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A hijacked connection never cancels r.Context, so the reader
	// cancels the running turn when the client goes away.
	incoming := make(chan []byte)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket chat closed", "error", err)
				}
				return
			}
			select {
			case incoming <- data:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		cancel()
		conn.Close()
		<-done
	}()

	send := func(ev orchestrator.Event) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(ev)
	}

	for {
		var data []byte
		select {
		case <-done:
			return
		case data = <-incoming:
		}

		var req orchestrator.Request
		if err := json.Unmarshal(data, &req); err != nil {
			if send(orchestrator.ErrorEvent(orchestrator.ErrorKindInvalidRequest, "invalid request")) != nil {
				return
			}
			continue
		}
		if err := validateHistory(req); err != nil {
			if send(orchestrator.ErrorEvent(orchestrator.ErrorKindInvalidRequest, err.Error())) != nil {
				return
			}
			continue
		}

		started := false
		res, err := s.deps.Turns.Process(ctx, req, func(ev orchestrator.Event) error {
			started = true
			return send(ev)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !started {
				_, _, msg, _ := turnFailure(err)
				if send(orchestrator.ErrorEvent(wsErrorKind(err), msg)) != nil {
					return
				}
			}
			s.logger.Warn("websocket turn failed", "started", started, "error", err)
			continue
		}
		s.archive(ctx, res)
	}
}

// handleWSEvents streams the activity bus to the client until either
// side closes.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errTypeServer, "event feed not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ch := s.deps.Bus.Subscribe(wsEventBuffer)
	defer s.deps.Bus.Unsubscribe(ch)

	// The read side only processes control frames and notices the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-done
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket event write failed", "error", err)
				return
			}
		}
	}
}
