package logging

import (
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSanitizeDropsPersonalKeys(t *testing.T) {
	in := map[string]any{
		"email":   "a@example.se",
		"Payload": map[string]any{"x": 1},
		"answers": map[string]any{"q1": 3},
		"survey":  int64(4),
		"nested":  map[string]any{"token": "t", "ok": true},
	}
	got := Sanitize(in)
	for _, k := range []string{"email", "Payload", "answers"} {
		if _, ok := got[k]; ok {
			t.Fatalf("key %q survived sanitize: %v", k, got)
		}
	}
	if got["survey"] != int64(4) {
		t.Fatalf("survey got %v, want 4", got["survey"])
	}
	nested := got["nested"].(map[string]any)
	if _, ok := nested["token"]; ok || nested["ok"] != true {
		t.Fatalf("nested got %v", nested)
	}
	if _, ok := in["email"]; !ok {
		t.Fatalf("input map mutated")
	}
}

func TestFieldsNeverLogsRawText(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)
	log.Info("submit", Fields(map[string]any{"survey_id": 1, "raw_text_fields": map[string]string{"q": "namn"}})...)
	entry := logs.All()[0]
	if _, ok := entry.ContextMap()["raw_text_fields"]; ok {
		t.Fatalf("raw text logged: %v", entry.ContextMap())
	}
	if entry.ContextMap()["survey_id"] == nil {
		t.Fatalf("survey_id missing: %v", entry.ContextMap())
	}
}

func TestSafeHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer secret")
	r.Header.Set("X-CSRF-Token", "abc")
	r.Header.Set("Accept", "application/json")
	got := SafeHeaders(r)
	if strings.Contains(got, "secret") || strings.Contains(got, "abc") {
		t.Fatalf("credentials leaked: %s", got)
	}
	if !strings.Contains(got, "Accept=application/json") {
		t.Fatalf("got %q", got)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud", false); err == nil {
		t.Fatalf("want error for unknown level")
	}
	log, err := New("debug", true)
	if err != nil || log == nil {
		t.Fatalf("New: %v", err)
	}
}
