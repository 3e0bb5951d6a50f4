package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/soaringjerry/Hubben/internal/i18n"
	"github.com/soaringjerry/Hubben/internal/metrics"
	"github.com/soaringjerry/Hubben/internal/middleware"
	"github.com/soaringjerry/Hubben/internal/services"
)

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SurveyID int64                   `json:"survey_id"`
		Blocks   []services.ContentBlock `json:"blocks"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.svc.Reports.CreateTemplate(middleware.UserFromContext(r.Context()), req.SurveyID, req.Blocks)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateID int64               `json:"template_id"`
		Visibility services.Visibility `json:"visibility"`
		Kommun     string              `json:"kommun"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.svc.Publishing.Publish(middleware.UserFromContext(r.Context()), req.TemplateID, req.Visibility, req.Kommun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleSetURL(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Slug string `json:"slug"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.svc.Publishing.SetPublicURL(middleware.UserFromContext(r.Context()), id, req.Slug)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleUnpublish(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.svc.Publishing.Unpublish(middleware.UserFromContext(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		SuccessorID int64 `json:"successor_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.svc.Publishing.Replace(middleware.UserFromContext(r.Context()), id, req.SuccessorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	urls, err := s.svc.Publishing.ListPublicReports()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"reports": urls})
}

// handleReadReport serves /reports/{slug} as JSON and /reports/{slug}.html
// as a rendered page. Slugs never contain a dot.
func (s *Server) handleReadReport(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	asHTML := strings.HasSuffix(slug, ".html")
	slug = strings.TrimSuffix(slug, ".html")

	rep, err := s.svc.Publishing.ReadPublic(middleware.UserFromContext(r.Context()), services.ReportURLPrefix+slug)
	if err != nil {
		if services.HasCode(err, services.ErrorUnauthorized) {
			s.metrics.ReportRead(metrics.ReadDenied)
		}
		s.writeError(w, r, err)
		return
	}
	if rep.Redirect != "" {
		s.metrics.ReportRead(metrics.ReadRedirect)
		if asHTML {
			http.Redirect(w, r, rep.Redirect+".html", http.StatusFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"redirect": rep.Redirect})
		return
	}
	s.metrics.ReportRead(metrics.ReadPayload)
	if !asHTML {
		writeJSON(w, http.StatusOK, rep)
		return
	}
	page, err := s.svc.Reports.RenderHTML(rep.Payload, i18n.FromRequest(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Add("Vary", "Accept-Language")
	_, _ = w.Write(page)
}
