package api

import (
	"net/http"

	"github.com/soaringjerry/Hubben/internal/middleware"
	"github.com/soaringjerry/Hubben/internal/services"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Auth.Register(req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{"user_id": res.User.ID, "verified": res.User.Verified}
	if s.cfg.ExposeVerificationTokens {
		out["verification_token"] = res.VerificationToken
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Auth.VerifyEmail(req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.svc.Auth.Login(req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Role services.Role `json:"role"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Auth.ChangeRole(middleware.UserFromContext(r.Context()), id, req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string                 `json:"consent_type"`
		Version string                 `json:"version"`
		Status  services.ConsentStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	var (
		rec *services.ConsentRecord
		err error
	)
	switch req.Status {
	case services.ConsentGranted:
		rec, err = s.svc.Consents.Grant(user, req.Type, req.Version)
	case services.ConsentWithdrawn:
		rec, err = s.svc.Consents.Withdraw(user, req.Type, req.Version)
	default:
		err = services.NewInvalidError("status must be granted or withdrawn")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleConsentHistory(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Consents.History(middleware.UserFromContext(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleBaseProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kommun     string   `json:"kommun"`
		Categories []string `json:"categories"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Surveys.EnsureBaseProfile(middleware.UserFromContext(r.Context()), req.Kommun, req.Categories)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
