package api

import (
	"net/http"

	"github.com/soaringjerry/Hubben/internal/metrics"
	"github.com/soaringjerry/Hubben/internal/middleware"
	"github.com/soaringjerry/Hubben/internal/services"
)

func (s *Server) handleCreateSurvey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Schema              services.SurveySchema `json:"schema"`
		BaseBlockPolicy     string                `json:"base_block_policy"`
		FeedbackMode        string                `json:"feedback_mode"`
		MinResponsesDefault *int                  `json:"min_responses_default"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sv, err := s.svc.Surveys.CreateSurvey(middleware.UserFromContext(r.Context()), req.Schema, services.SurveyOptions{
		BaseBlockPolicy:     req.BaseBlockPolicy,
		FeedbackMode:        req.FeedbackMode,
		MinResponsesDefault: req.MinResponsesDefault,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sv)
}

func (s *Server) handleSurveyStatus(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Surveys.ListStatus(middleware.UserFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleStartSurvey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	start, err := s.svc.Surveys.StartSurvey(middleware.UserFromContext(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Answers       map[string]any    `json:"answers"`
		RawTextFields map[string]string `json:"raw_text_fields"`
	}
	if err := decode(r, &req); err != nil {
		s.metrics.Submission(metrics.ResultRejected)
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Responses.Submit(middleware.UserFromContext(r.Context()), id, req.Answers, req.RawTextFields)
	s.metrics.Submission(submissionResult(err))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{"response_id": res.Response.ID, "survey_id": id}
	if res.Review != nil {
		out["text_review_id"] = res.Review.ID
	}
	writeJSON(w, http.StatusCreated, out)
}

func submissionResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case services.HasCode(err, services.ErrorConflict):
		return metrics.ResultDuplicate
	}
	if _, ok := services.AsServiceError(err); ok {
		return metrics.ResultRejected
	}
	return metrics.ResultError
}

func (s *Server) handleBuildSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := services.RequireRole(middleware.UserFromContext(r.Context()), services.RoleAnalyst, services.RoleAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		MinResponses *int `json:"min_responses"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	var snap *services.AggregationSnapshot
	if req.MinResponses != nil {
		snap, err = s.svc.Aggregation.BuildSnapshot(id, *req.MinResponses)
	} else {
		snap, err = s.svc.Aggregation.BuildSnapshotForSurvey(id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"survey_id":         snap.SurveyID,
		"data_version_hash": snap.DataVersionHash,
		"min_responses":     snap.MinResponses,
		"computed_at":       snap.ComputedAt,
		"metrics":           services.ApplySmallN(snap),
	})
}

func (s *Server) handleSnapshotCSV(w http.ResponseWriter, r *http.Request) {
	if err := services.RequireRole(middleware.UserFromContext(r.Context()), services.RoleAnalyst, services.RoleAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.svc.Aggregation.Snapshot(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if snap == nil {
		s.writeError(w, r, services.NewNotFoundError("snapshot_not_found"))
		return
	}
	b, err := services.ExportSnapshotCSV(snap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeCSV(w, "snapshot.csv", b)
}

func (s *Server) handleSchemaCSV(w http.ResponseWriter, r *http.Request) {
	if err := services.RequireRole(middleware.UserFromContext(r.Context()), services.RoleAnalyst, services.RoleAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sv, err := s.svc.Surveys.GetSurvey(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := services.ExportSchemaCSV(sv.Schema)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeCSV(w, "schema.csv", b)
}

func writeCSV(w http.ResponseWriter, name string, b []byte) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	_, _ = w.Write(b)
}
