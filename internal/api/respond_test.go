package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWriteErrorLogsWithoutPersonalQuery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	s := &Server{log: zap.New(core)}
	req := httptest.NewRequest("GET", "/api/x?email=a@example.se&token=abc&page=2", nil)
	rec := httptest.NewRecorder()
	s.writeError(rec, req, errors.New("disk gone"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status got %d, want 500", rec.Code)
	}
	entries := logs.FilterMessage("request_failed").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["path"] != "/api/x" || ctx["error"] != "disk gone" {
		t.Fatalf("context = %v", ctx)
	}
	query, ok := ctx["query"].(map[string]any)
	if !ok {
		t.Fatalf("query field = %T %v", ctx["query"], ctx["query"])
	}
	if _, leaked := query["email"]; leaked {
		t.Fatalf("email logged: %v", query)
	}
	if _, leaked := query["token"]; leaked {
		t.Fatalf("token logged: %v", query)
	}
	if query["page"] != "2" {
		t.Fatalf("page = %v, want 2", query["page"])
	}
}
