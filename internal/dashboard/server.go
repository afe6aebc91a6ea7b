// Package dashboard serves the unauthenticated, read-only status page:
// a table of current deployments and a per-PR live build/destroy log
// tail, fed by the controller's websocket feed. Adapted from the
// teacher's session-authenticated multi-tenant dashboard, stripped down
// to the read-only surface this domain's Non-goals call for.
package dashboard

import (
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/riftline/previewctl/pkg/apiclient"
)

//go:embed templates/*.html
var templateFS embed.FS

// Config bundles the dashboard's dependencies.
type Config struct {
	// WSBaseURL is the controller's websocket origin, e.g.
	// "ws://localhost:8080", used to build the per-PR live-tail URL
	// the browser connects to directly.
	WSBaseURL string
}

// Server hosts the dashboard web UI.
type Server struct {
	cfg       Config
	api       *apiclient.Client
	templates *template.Template
	mux       *http.ServeMux
	logger    *slog.Logger
}

// New constructs a Server backed by an apiclient pointed at the
// controller's HTTP surface.
func New(api *apiclient.Client, cfg Config, logger *slog.Logger) (*Server, error) {
	templates, err := template.New("base").ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, api: api, templates: templates, mux: http.NewServeMux(), logger: logger}
	s.registerRoutes()
	return s, nil
}

// ServeHTTP conforms to http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/", s.handleHome)
	s.mux.HandleFunc("/pr/", s.handleDetail)
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	deployments, err := s.api.ListDeployments(ctx)
	if err != nil {
		s.renderError(w, http.StatusBadGateway, "failed to load deployments")
		return
	}
	health, err := s.api.GetHealth(ctx)
	if err != nil {
		s.renderError(w, http.StatusBadGateway, "failed to load health")
		return
	}
	s.render(w, "home", map[string]any{
		"Title":       "previewctl",
		"Deployments": deployments,
		"Health":      health,
	})
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	pr, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/pr/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	dep, err := s.api.GetDeployment(ctx, pr)
	if err != nil {
		s.renderError(w, http.StatusBadGateway, "failed to load deployment")
		return
	}
	wsURL := strings.TrimRight(s.cfg.WSBaseURL, "/") + "/ws/deployments/" + strconv.Itoa(pr)
	s.render(w, "detail", map[string]any{
		"Title":      "PR #" + strconv.Itoa(pr),
		"Deployment": dep,
		"WSURL":      wsURL,
	})
}

func (s *Server) render(w http.ResponseWriter, tpl string, data map[string]any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, tpl, data); err != nil {
		s.logger.Error("template render failed", "template", tpl, "error", err)
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}

func (s *Server) renderError(w http.ResponseWriter, status int, message string) {
	s.logger.Warn("dashboard error", "status", status, "message", message)
	http.Error(w, message, status)
}
