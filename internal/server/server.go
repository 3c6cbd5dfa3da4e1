// Package server exposes the monitoring state over HTTP: a status page
// plus JSON endpoints for health checks and dashboards. It is read-only;
// runs happen via the CLI or a scheduler.
package server

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"agendawatch/internal/config"
	"agendawatch/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Server is the HTTP status server.
type Server struct {
	cfg   *config.Config
	st    *store.Store
	pages map[string]*template.Template
	mux   *http.ServeMux
}

// New creates a new Server.
func New(cfg *config.Config, st *store.Store) (*Server, error) {
	funcMap := template.FuncMap{
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page clones the base so it gets its own content and title blocks.
	pageNames := []string{"index.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{cfg: cfg, st: st, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/health", s.handleHealth)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	stats, err := s.st.GetStats()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	health, err := s.st.GetSourceHealth()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	lastRun, err := s.st.GetLastRun()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	changes, err := s.st.RecentChanges(25)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Stats":   stats,
		"Sources": s.cfg.Sources,
		"Health":  health,
		"LastRun": lastRun,
		"Changes": changes,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.st.GetStats()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	body := map[string]any{
		"baseline_items":  stats.BaselineItems,
		"total_changes":   stats.TotalChanges,
		"changes_by_type": stats.ChangesByType,
		"sent_events":     stats.SentEvents,
		"pending_outbox":  s.countOutbox(),
		"sources_down":    stats.SourcesDown,
	}
	if lastRun, err := s.st.GetLastRun(); err == nil && lastRun != nil {
		body["last_run"] = map[string]any{
			"started_at":  lastRun.StartedAt,
			"status":      lastRun.Status,
			"sent":        lastRun.Sent,
			"send_failed": lastRun.SendFailed,
		}
	}
	writeJSON(w, body)
}

// countOutbox reports how many undelivered messages are queued for retry.
func (s *Server) countOutbox() int {
	data, err := os.ReadFile(filepath.Join(s.cfg.GetDataDir(), "outbox.jsonl"))
	if err != nil {
		return 0
	}
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

// handleHealth reports overall and per-source health. The top-level status
// is the worst source status, so load balancers and uptime monitors can
// alert on it directly.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.st.GetSourceHealth()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	overall := store.HealthHealthy
	sources := make([]map[string]any, 0, len(health))
	for _, h := range health {
		sources = append(sources, map[string]any{
			"source_id":            h.SourceID,
			"status":               h.Status,
			"consecutive_failures": h.ConsecutiveFailures,
			"last_check":           strOrEmpty(h.LastCheck),
			"last_success":         strOrEmpty(h.LastSuccess),
			"last_error":           strOrEmpty(h.LastError),
		})
		if h.Status == store.HealthDown {
			overall = store.HealthDown
		} else if h.Status == store.HealthDegraded && overall == store.HealthHealthy {
			overall = store.HealthDegraded
		}
	}

	writeJSON(w, map[string]any{
		"status":  overall,
		"sources": sources,
	})
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Serve starts the HTTP server on the given port.
func Serve(cfg *config.Config, st *store.Store, port int) error {
	srv, err := New(cfg, st)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
