package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"agendawatch/internal/config"
	"agendawatch/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agendawatch.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testConfig() *config.Config {
	return &config.Config{
		Sources: []config.Source{
			{ID: "council", Name: "City Council", URL: "https://example.org/agendas"},
		},
	}
}

func newTestServer(t *testing.T, st *store.Store) *Server {
	t.Helper()
	srv, err := New(testConfig(), st)
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	return srv
}

func TestIndexRoute(t *testing.T) {
	st := openTestStore(t)
	srv := newTestServer(t, st)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Monitoring Status") {
		t.Error("expected status heading in response body")
	}
}

func TestIndexShowsRecentChanges(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.InsertChange(store.Change{
		EventID:    "ev1",
		ItemID:     "item1",
		SourceID:   "council",
		Type:       store.ChangeAdded,
		Title:      "Budget Hearing",
		DetectedAt: "2026-03-01T12:00:00Z",
	}); err != nil {
		t.Fatalf("inserting change: %v", err)
	}

	srv := newTestServer(t, st)
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Budget Hearing") {
		t.Error("expected recent change title in response")
	}
}

func TestStatsRoute(t *testing.T) {
	st := openTestStore(t)
	srv := newTestServer(t, st)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if _, ok := body["baseline_items"]; !ok {
		t.Errorf("stats body missing baseline_items: %v", body)
	}
}

func TestHealthRouteReflectsWorstSource(t *testing.T) {
	st := openTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := st.RecordSourceCheck("council", false, "timeout"); err != nil {
			t.Fatalf("recording failure: %v", err)
		}
	}

	srv := newTestServer(t, st)
	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Sources []struct {
			SourceID string `json:"source_id"`
			Status   string `json:"status"`
		} `json:"sources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if body.Status != store.HealthDown {
		t.Errorf("overall status = %q, want down", body.Status)
	}
	if len(body.Sources) != 1 || body.Sources[0].Status != store.HealthDown {
		t.Errorf("sources = %+v", body.Sources)
	}
}

func TestStaticRoute(t *testing.T) {
	st := openTestStore(t)
	srv := newTestServer(t, st)

	req := httptest.NewRequest("GET", "/static/style.css", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "font-sans") {
		t.Error("expected CSS content")
	}
}
