package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/soaringjerry/Hubben/internal/metrics"
	"github.com/soaringjerry/Hubben/internal/middleware"
	"github.com/soaringjerry/Hubben/internal/ratelimit"
	"github.com/soaringjerry/Hubben/internal/services"
	"github.com/soaringjerry/Hubben/internal/store"
)

type testEnv struct {
	t   *testing.T
	h   http.Handler
	pii *store.MemoryPII
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pii := store.NewMemoryPII()
	data := store.NewMemoryResponses()
	auth := middleware.NewAuth("test-secret", pii.GetUser)
	svc := NewServices(pii, data, ratelimit.NewMemory(3), auth.SignToken, Options{TokenTTL: time.Hour})
	srv := NewServer(svc, auth, metrics.New(), nil, Config{Version: "test", ExposeVerificationTokens: true})
	return &testEnv{t: t, h: srv.Handler(), pii: pii}
}

func (e *testEnv) do(method, path string, body any, sess *services.Session) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatal(err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
	}
	if sess != nil {
		req.Header.Set("Authorization", "Bearer "+sess.Token)
		req.Header.Set(middleware.CSRFHeader, sess.CSRFToken)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) expect(rec *httptest.ResponseRecorder, status int, out any) {
	e.t.Helper()
	if rec.Code != status {
		e.t.Fatalf("status got %d, want %d: %s", rec.Code, status, rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			e.t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
}

func (e *testEnv) parent(email string) *services.Session {
	e.t.Helper()
	var reg struct {
		Token string `json:"verification_token"`
	}
	e.expect(e.do("POST", "/api/auth/register", map[string]string{"email": email}, nil), http.StatusCreated, &reg)
	e.expect(e.do("POST", "/api/auth/verify", map[string]string{"token": reg.Token}, nil), http.StatusOK, nil)
	return e.login(email)
}

func (e *testEnv) staff(email string, role services.Role) *services.Session {
	e.t.Helper()
	if _, err := e.pii.InsertUser(&services.User{Email: email, Role: role, Verified: true}); err != nil {
		e.t.Fatal(err)
	}
	return e.login(email)
}

func (e *testEnv) login(email string) *services.Session {
	e.t.Helper()
	var sess services.Session
	e.expect(e.do("POST", "/api/auth/login", map[string]string{"email": email}, nil), http.StatusOK, &sess)
	return &sess
}

type readShape struct {
	CanonicalURL string `json:"canonical_url"`
	Redirect     string `json:"redirect"`
	Payload      struct {
		Kommun       string `json:"kommun"`
		SmallNBanner bool   `json:"small_n_banner"`
		Metrics      struct {
			Total any `json:"total"`
		} `json:"metrics"`
		Blocks []services.RenderedBlock `json:"blocks"`
	} `json:"payload"`
}

func TestPipelineOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	admin := e.staff("admin@hubben.se", services.RoleAdmin)
	p1 := e.parent("anna@example.se")
	p2 := e.parent("bo@example.se")

	var sv services.Survey
	e.expect(e.do("POST", "/api/surveys", map[string]any{
		"schema": services.SurveySchema{Questions: []services.Question{
			{ID: "q1", Type: services.QuestionSingleChoice, Options: []string{"ja", "nej"}},
			{ID: "q2", Type: services.QuestionShortText},
		}},
		"base_block_policy":     "disabled",
		"min_responses_default": 2,
	}, admin), http.StatusCreated, &sv)

	submit := map[string]any{"answers": map[string]any{"q1": "ja"}, "raw_text_fields": map[string]string{"q2": "Bra skola"}}
	var sub struct {
		ResponseID   int64 `json:"response_id"`
		TextReviewID int64 `json:"text_review_id"`
	}
	e.expect(e.do("POST", "/api/surveys/1/responses", submit, p1), http.StatusCreated, &sub)
	if sub.TextReviewID == 0 {
		t.Fatalf("free text response without review: %+v", sub)
	}
	e.expect(e.do("POST", "/api/surveys/1/responses", submit, p1), http.StatusConflict, nil)

	e.expect(e.do("POST", "/api/surveys/1/snapshot", nil, admin), http.StatusOK, nil)
	var tpl services.ReportTemplate
	e.expect(e.do("POST", "/api/templates", map[string]any{"survey_id": sv.ID, "blocks": []services.ContentBlock{
		{Type: services.BlockText, Content: "$antal_respondenter svar i $kommun"},
	}}, admin), http.StatusCreated, &tpl)
	var a services.ReportVersion
	e.expect(e.do("POST", "/api/report-versions", map[string]any{"template_id": tpl.ID, "visibility": "public", "kommun": "Gävle"}, admin), http.StatusCreated, &a)
	e.expect(e.do("POST", "/api/report-versions/1/url", map[string]string{"slug": "gavle-2025"}, admin), http.StatusOK, nil)

	var got readShape
	e.expect(e.do("GET", "/reports/gavle-2025", nil, nil), http.StatusOK, &got)
	if !got.Payload.SmallNBanner || got.Payload.Metrics.Total != "X" || got.Payload.Blocks[0].Content != "X svar i Gävle" {
		t.Fatalf("masked read got %+v", got.Payload)
	}

	e.expect(e.do("POST", "/api/surveys/1/responses", submit, p2), http.StatusCreated, nil)
	e.expect(e.do("POST", "/api/surveys/1/snapshot", nil, admin), http.StatusOK, nil)
	got = readShape{}
	e.expect(e.do("GET", "/reports/gavle-2025", nil, nil), http.StatusOK, &got)
	if got.Payload.SmallNBanner || got.Payload.Metrics.Total != float64(2) {
		t.Fatalf("unmasked read got %+v", got.Payload)
	}

	e.expect(e.do("POST", "/api/report-versions", map[string]any{"template_id": tpl.ID, "visibility": "public"}, admin), http.StatusCreated, nil)
	e.expect(e.do("POST", "/api/report-versions/2/url", map[string]string{"slug": "gavle-2025-v2"}, admin), http.StatusOK, nil)
	e.expect(e.do("POST", "/api/report-versions/1/replace", map[string]int64{"successor_id": 2}, admin), http.StatusOK, nil)
	e.expect(e.do("POST", "/api/report-versions/1/replace", map[string]int64{"successor_id": 2}, admin), http.StatusConflict, nil)
	e.expect(e.do("POST", "/api/report-versions/1/unpublish", nil, admin), http.StatusConflict, nil)

	got = readShape{}
	e.expect(e.do("GET", "/reports/gavle-2025", nil, nil), http.StatusOK, &got)
	if got.Redirect != "/reports/gavle-2025-v2" {
		t.Fatalf("redirect got %+v", got)
	}
	rec := e.do("GET", "/reports/gavle-2025.html", nil, nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/reports/gavle-2025-v2.html" {
		t.Fatalf("html redirect got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	rec = e.do("GET", "/reports/gavle-2025-v2.html", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "2 svar i Sverige") {
		t.Fatalf("html page got %d: %s", rec.Code, rec.Body.String())
	}

	var list struct {
		Reports []string `json:"reports"`
	}
	e.expect(e.do("GET", "/reports", nil, nil), http.StatusOK, &list)
	if len(list.Reports) != 1 || list.Reports[0] != "/reports/gavle-2025-v2" {
		t.Fatalf("list got %v", list.Reports)
	}

	rec = e.do("GET", "/metrics", nil, nil)
	if !strings.Contains(rec.Body.String(), `hubben_submissions_total{result="duplicate"} 1`) {
		t.Fatalf("metrics missing duplicate submission:\n%s", rec.Body.String())
	}
}

func TestModerationOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	admin := e.staff("admin@hubben.se", services.RoleAdmin)
	p := e.parent("anna@example.se")
	e.expect(e.do("POST", "/api/surveys", map[string]any{
		"schema":            services.SurveySchema{Questions: []services.Question{{ID: "q1", Type: services.QuestionLongText}}},
		"base_block_policy": "disabled",
	}, admin), http.StatusCreated, nil)
	var sub struct {
		ResponseID   int64 `json:"response_id"`
		TextReviewID int64 `json:"text_review_id"`
	}
	e.expect(e.do("POST", "/api/surveys/1/responses", map[string]any{"raw_text_fields": map[string]string{"q1": "Lärare Karin är bäst"}}, p), http.StatusCreated, &sub)

	var flag services.TextFlag
	e.expect(e.do("POST", "/api/responses/1/flags", map[string]string{"reason": "namn"}, p), http.StatusCreated, &flag)
	e.expect(e.do("POST", "/api/reviews/1/resolve", map[string]string{"status": "reviewed"}, p), http.StatusUnauthorized, nil)
	var rv services.TextReview
	e.expect(e.do("POST", "/api/reviews/1/resolve", map[string]string{"status": "reviewed"}, admin), http.StatusOK, &rv)
	if rv.Status != services.ReviewReviewedAfterFlagging || !rv.FlaggedForReview {
		t.Fatalf("review got %+v", rv)
	}
	e.expect(e.do("POST", "/api/flags/1/redactions", map[string]string{"note": "namn borttaget"}, admin), http.StatusCreated, nil)
	e.expect(e.do("POST", "/api/responses/1/curated", map[string]string{"text": "Lärarna är bäst"}, admin), http.StatusCreated, nil)
}

func TestAuthBoundaries(t *testing.T) {
	e := newTestEnv(t)
	p := e.parent("anna@example.se")

	e.expect(e.do("POST", "/api/auth/register", map[string]string{"email": "anna@example.se"}, nil), http.StatusConflict, nil)
	e.expect(e.do("POST", "/api/auth/register", map[string]string{"email": "inte-en-adress"}, nil), http.StatusBadRequest, nil)
	e.expect(e.do("GET", "/api/surveys", nil, nil), http.StatusUnauthorized, nil)
	e.expect(e.do("POST", "/api/surveys", map[string]any{"schema": map[string]any{}}, p), http.StatusUnauthorized, nil)

	noCSRF := &services.Session{Token: p.Token}
	e.expect(e.do("POST", "/api/consents", map[string]string{"consent_type": "research", "version": "v1", "status": "granted"}, noCSRF), http.StatusForbidden, nil)
	e.expect(e.do("POST", "/api/consents", map[string]string{"consent_type": "research", "version": "v1", "status": "granted"}, p), http.StatusCreated, nil)
	e.expect(e.do("POST", "/api/consents", map[string]string{"consent_type": "research", "version": "v1", "status": "withdrawn"}, p), http.StatusCreated, nil)
	var history []services.ConsentRecord
	e.expect(e.do("GET", "/api/consents", nil, p), http.StatusOK, &history)
	if len(history) != 3 || history[2].Status != services.ConsentWithdrawn {
		t.Fatalf("consent history got %+v", history)
	}

	e.expect(e.do("POST", "/api/auth/login", map[string]string{"email": "ghost@example.se"}, nil), http.StatusBadRequest, nil)
	e.expect(e.do("POST", "/api/auth/login", map[string]string{"email": "ghost@example.se"}, nil), http.StatusBadRequest, nil)
	e.expect(e.do("POST", "/api/auth/login", map[string]string{"email": "ghost@example.se"}, nil), http.StatusBadRequest, nil)
	e.expect(e.do("POST", "/api/auth/login", map[string]string{"email": "ghost@example.se"}, nil), http.StatusTooManyRequests, nil)

	e.expect(e.do("GET", "/reports/saknas", nil, nil), http.StatusNotFound, nil)
	rec := e.do("GET", "/health", nil, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("health got %d %v", rec.Code, rec.Header())
	}
}

func TestInternalReportNeedsViewer(t *testing.T) {
	e := newTestEnv(t)
	admin := e.staff("admin@hubben.se", services.RoleAdmin)
	p := e.parent("anna@example.se")
	e.expect(e.do("POST", "/api/profile", map[string]any{"kommun": "Umeå"}, p), http.StatusOK, nil)
	e.expect(e.do("POST", "/api/surveys", map[string]any{
		"schema": services.SurveySchema{Questions: []services.Question{{ID: "q1", Type: services.QuestionScale}}},
	}, admin), http.StatusCreated, nil)
	e.expect(e.do("POST", "/api/surveys/1/snapshot", map[string]int{"min_responses": 0}, admin), http.StatusOK, nil)
	e.expect(e.do("POST", "/api/templates", map[string]any{"survey_id": 1, "blocks": []services.ContentBlock{{Type: services.BlockHeading, Content: "$kommun"}}}, admin), http.StatusCreated, nil)
	e.expect(e.do("POST", "/api/report-versions", map[string]any{"template_id": 1, "visibility": "internal"}, admin), http.StatusCreated, nil)
	e.expect(e.do("POST", "/api/report-versions/1/url", map[string]string{"slug": "intern"}, admin), http.StatusOK, nil)

	e.expect(e.do("GET", "/reports/intern", nil, nil), http.StatusUnauthorized, nil)
	var got readShape
	e.expect(e.do("GET", "/reports/intern", nil, p), http.StatusOK, &got)
	if got.Payload.Kommun != "Umeå" {
		t.Fatalf("kommun got %q, want viewer's Umeå", got.Payload.Kommun)
	}

	e.expect(e.do("POST", "/api/report-versions", map[string]any{"template_id": 1, "visibility": "public"}, admin), http.StatusCreated, nil)
	e.expect(e.do("POST", "/api/report-versions/2/url", map[string]string{"slug": "offentlig"}, admin), http.StatusOK, nil)
	e.expect(e.do("POST", "/api/report-versions/1/replace", map[string]int64{"successor_id": 2}, admin), http.StatusOK, nil)
	rec := e.do("GET", "/reports/intern", nil, nil)
	if rec.Code != http.StatusUnauthorized || strings.Contains(rec.Body.String(), "offentlig") {
		t.Fatalf("anonymous read of replaced internal version got %d: %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "private, no-store" {
		t.Fatalf("cache-control on 401 got %q", cc)
	}
	got = readShape{}
	e.expect(e.do("GET", "/reports/intern", nil, p), http.StatusOK, &got)
	if got.Redirect != "/reports/offentlig" {
		t.Fatalf("signed-in redirect got %+v", got)
	}
}

func TestReportPageLocale(t *testing.T) {
	e := newTestEnv(t)
	admin := e.staff("admin@hubben.se", services.RoleAdmin)
	e.expect(e.do("POST", "/api/surveys", map[string]any{
		"schema": services.SurveySchema{Questions: []services.Question{{ID: "q1", Type: services.QuestionScale}}},
	}, admin), http.StatusCreated, nil)
	e.expect(e.do("POST", "/api/surveys/1/snapshot", nil, admin), http.StatusOK, nil)
	e.expect(e.do("POST", "/api/templates", map[string]any{"survey_id": 1, "blocks": []services.ContentBlock{{Type: services.BlockText, Content: "$antal_respondenter"}}}, admin), http.StatusCreated, nil)
	e.expect(e.do("POST", "/api/report-versions", map[string]any{"template_id": 1, "visibility": "public"}, admin), http.StatusCreated, nil)
	e.expect(e.do("POST", "/api/report-versions/1/url", map[string]string{"slug": "tom"}, admin), http.StatusOK, nil)

	req := httptest.NewRequest("GET", "/reports/tom.html", nil)
	req.Header.Set("Accept-Language", "en-GB,sv;q=0.5")
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `lang="en"`) {
		t.Fatalf("english page got %d: %s", rec.Code, rec.Body.String())
	}
	rec = e.do("GET", "/reports/tom.html", nil, nil)
	if !strings.Contains(rec.Body.String(), "Underlaget är för litet") {
		t.Fatalf("swedish banner missing: %s", rec.Body.String())
	}
}
