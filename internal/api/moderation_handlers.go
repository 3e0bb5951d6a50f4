package api

import (
	"net/http"

	"github.com/soaringjerry/Hubben/internal/middleware"
	"github.com/soaringjerry/Hubben/internal/services"
)

func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := s.svc.Moderation.Flag(middleware.UserFromContext(r.Context()), id, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.Moderation("flag")
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Status services.ReviewStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rv, err := s.svc.Moderation.Resolve(middleware.UserFromContext(r.Context()), id, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.Moderation("resolve")
	writeJSON(w, http.StatusOK, rv)
}

func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.svc.Moderation.Redact(middleware.UserFromContext(r.Context()), id, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.Moderation("redact")
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleCurate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Moderation.Curate(middleware.UserFromContext(r.Context()), id, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.Moderation("curate")
	writeJSON(w, http.StatusCreated, c)
}
