package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/profile"
)

// profileID picks the ?id= query value, falling back to the configured
// learner.
func (s *Server) profileID(r *http.Request) string {
	if id := r.URL.Query().Get("id"); id != "" {
		return id
	}
	return s.cfg.ProfileID
}

// handleProfileGet returns the stored profile.
// GET /api/profile?id=learner
func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Profiles == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errTypeServer, "profiles not configured")
		return
	}
	id := s.profileID(r)
	if id == "" {
		s.errorResponse(w, http.StatusBadRequest, errTypeInvalid, "profile id is required")
		return
	}

	p, err := s.deps.Profiles.Get(r.Context(), id)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, errTypeNotFound, "profile not found")
		return
	case err != nil:
		s.logger.Error("profile lookup failed", "id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, errTypeServer, "failed to load profile")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, p, s.logger)
}

// handleProfilePost creates or updates a profile. The stored
// recentCorrections are kept whatever the body says; they only change
// through turns.
// POST /api/profile {"id": "...", "name": "...", ...}
func (s *Server) handleProfilePost(w http.ResponseWriter, r *http.Request) {
	if s.deps.Profiles == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errTypeServer, "profiles not configured")
		return
	}
	var p chat.UserProfile
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.errorResponse(w, http.StatusBadRequest, errTypeInvalid, "invalid request body")
		return
	}
	if p.ID == "" {
		p.ID = s.profileID(r)
	}

	created, err := s.deps.Profiles.Save(r.Context(), p)
	if err != nil {
		var verr *profile.ValidationError
		if errors.As(err, &verr) {
			s.errorResponse(w, http.StatusBadRequest, errTypeInvalid, verr.Error())
			return
		}
		s.logger.Error("profile save failed", "id", p.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, errTypeServer, "failed to save profile")
		return
	}

	saved, err := s.deps.Profiles.Get(r.Context(), p.ID)
	if err != nil {
		s.logger.Error("profile reload failed", "id", p.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, errTypeServer, "failed to load profile")
		return
	}
	s.deps.Bus.Publish(events.Event{
		Source: events.SourceAPI,
		Kind:   events.KindProfileUpdated,
		Data:   map[string]any{"id": saved.ID, "created": created},
	})

	w.Header().Set("Content-Type", "application/json")
	if created {
		w.WriteHeader(http.StatusCreated)
	}
	writeJSON(w, saved, s.logger)
}
