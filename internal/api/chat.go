package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/parley/internal/orchestrator"
)

// turnFailure maps a turn error to a status code, envelope type and
// client-facing message. ok is false for cancellations, which have no
// one left to answer.
func turnFailure(err error) (code int, typ, message string, ok bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return 0, "", "", false
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return http.StatusBadRequest, errTypeInvalid, "message is required", true
	case errors.Is(err, orchestrator.ErrProfileUnavailable):
		return http.StatusServiceUnavailable, errTypeServer, "learner profile unavailable", true
	case errors.Is(err, orchestrator.ErrGenerationFailed):
		return http.StatusBadGateway, errTypeUpstream, "the tutor could not reply, please try again", true
	default:
		return http.StatusInternalServerError, errTypeServer, "internal error", true
	}
}

// decodeTurn reads and checks a chat request body.
func decodeTurn(r *http.Request, w http.ResponseWriter) (orchestrator.Request, error) {
	var req orchestrator.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid request body")
	}
	if err := validateHistory(req); err != nil {
		return req, err
	}
	return req, nil
}

func validateHistory(req orchestrator.Request) error {
	for i, m := range req.History {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("history[%d]: %v", i, err)
		}
	}
	return nil
}

// streamWriter commits the NDJSON response on the first event, so a turn
// that fails before producing output can still answer with a status
// code.
type streamWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	enc     *orchestrator.Encoder
	started bool
	onDebug func(msg string, args ...any)
}

func newStreamWriter(w http.ResponseWriter, debug func(string, ...any)) *streamWriter {
	return &streamWriter{
		w:       w,
		rc:      http.NewResponseController(w),
		enc:     orchestrator.NewEncoder(w),
		onDebug: debug,
	}
}

func (sw *streamWriter) emit(ev orchestrator.Event) error {
	if !sw.started {
		h := sw.w.Header()
		h.Set("Content-Type", orchestrator.ContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
		sw.w.WriteHeader(http.StatusOK)
		sw.started = true
	}
	if err := sw.rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		sw.onDebug("failed to reset write deadline", "error", err)
	}
	return sw.enc.Encode(ev)
}

// handleChat runs one turn and streams its events as NDJSON.
// POST /api/chat {"history": [...], "message": "...", "topic": {...}}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Turns == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errTypeServer, "chat not configured")
		return
	}
	req, err := decodeTurn(r, w)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, errTypeInvalid, err.Error())
		return
	}

	sw := newStreamWriter(w, s.logger.Debug)
	res, err := s.deps.Turns.Process(r.Context(), req, sw.emit)
	if err != nil {
		if sw.started {
			// Headers are gone; the stream already carries an error event
			// or the client went away.
			s.logger.Warn("turn ended mid-stream", "error", err)
			return
		}
		code, typ, msg, ok := turnFailure(err)
		if !ok {
			s.logger.Debug("turn cancelled before output", "error", err)
			return
		}
		if code >= http.StatusInternalServerError {
			s.logger.Error("turn failed", "status", code, "error", err)
		}
		s.errorResponse(w, code, typ, msg)
		return
	}
	s.archive(r.Context(), res)
}

// archive hands a finished turn to the recorder. It runs after the
// stream is complete and outlives the request.
func (s *Server) archive(ctx context.Context, res *orchestrator.Result) {
	if s.deps.Recorder == nil || res == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	s.deps.Recorder.Archive(ctx, res)
}
