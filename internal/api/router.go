package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/soaringjerry/Hubben/internal/metrics"
	"github.com/soaringjerry/Hubben/internal/middleware"
)

type Config struct {
	Version string
	// ExposeVerificationTokens returns the one-time token in the register
	// response. Only for development, where no mail outbox exists.
	ExposeVerificationTokens bool
}

type Server struct {
	svc     *Services
	auth    *middleware.Auth
	metrics *metrics.Recorder
	log     *zap.Logger
	cfg     Config
}

func NewServer(svc *Services, auth *middleware.Auth, rec *metrics.Recorder, log *zap.Logger, cfg Config) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.New()
	}
	return &Server{svc: svc, auth: auth, metrics: rec, log: log, cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLog(s.log))
	r.Use(middleware.SecureHeaders)
	r.Use(s.auth.WithAuth)
	r.Use(middleware.RequireCSRF)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicCache)
		r.Get("/reports", s.handleListReports)
		r.Get("/reports/{slug}", s.handleReadReport)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NoStore)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/verify", s.handleVerify)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)
			r.Get("/consents", s.handleConsentHistory)
			r.Post("/consents", s.handleConsent)
			r.Post("/profile", s.handleBaseProfile)
			r.Post("/users/{id}/role", s.handleChangeRole)

			r.Get("/surveys", s.handleSurveyStatus)
			r.Post("/surveys", s.handleCreateSurvey)
			r.Post("/surveys/{id}/start", s.handleStartSurvey)
			r.Post("/surveys/{id}/responses", s.handleSubmit)
			r.Post("/surveys/{id}/snapshot", s.handleBuildSnapshot)
			r.Get("/surveys/{id}/snapshot.csv", s.handleSnapshotCSV)
			r.Get("/surveys/{id}/schema.csv", s.handleSchemaCSV)

			r.Post("/responses/{id}/flags", s.handleFlag)
			r.Post("/responses/{id}/curated", s.handleCurate)
			r.Post("/reviews/{id}/resolve", s.handleResolve)
			r.Post("/flags/{id}/redactions", s.handleRedact)

			r.Post("/templates", s.handleCreateTemplate)
			r.Post("/report-versions", s.handlePublish)
			r.Post("/report-versions/{id}/url", s.handleSetURL)
			r.Post("/report-versions/{id}/unpublish", s.handleUnpublish)
			r.Post("/report-versions/{id}/replace", s.handleReplace)
		})
	})
	return r
}
