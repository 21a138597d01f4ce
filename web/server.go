// Package web exposes the supervisor over HTTP: a JSON API for service
// control plus WebSocket streaming of live log lines.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Mungert69/ProcWrapper/supervisor"
)

// Server is the supervisor's HTTP frontend.
type Server struct {
	manager  *supervisor.Manager
	log      *zap.SugaredLogger
	host     string
	port     int
	upgrader websocket.Upgrader
	username string // BasicAuth username (empty = no username required)
	password string // BasicAuth password (empty = no auth)
}

// NewServer creates a web server for the given manager.
func NewServer(manager *supervisor.Manager, log *zap.SugaredLogger) *Server {
	cfg := manager.GetGlobalConfig()

	var username, password string
	if cfg.Authorization != "" {
		if idx := strings.Index(cfg.Authorization, ":"); idx > 0 {
			username = cfg.Authorization[:idx]
			password = cfg.Authorization[idx+1:]
		} else {
			password = cfg.Authorization
		}
	}

	return &Server{
		manager:  manager,
		log:      log.Named("web"),
		host:     cfg.Host,
		port:     cfg.Port,
		upgrader: websocket.Upgrader{},
		username: username,
		password: password,
	}
}

// basicAuthMiddleware guards every route when credentials are configured.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.password == "" {
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || username != s.username || password != s.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="procwrapper"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed (and auth-wrapped) HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/services", s.listServices)
	mux.HandleFunc("GET /api/services/{name}", s.getService)
	mux.HandleFunc("POST /api/services/{name}/start", s.startService)
	mux.HandleFunc("POST /api/services/{name}/stop", s.stopService)
	mux.HandleFunc("POST /api/services/{name}/restart", s.restartService)
	mux.HandleFunc("POST /api/services/{name}/run-now", s.runNowService)
	mux.HandleFunc("GET /api/services/{name}/logs/{stream}", s.streamLogs)

	return s.basicAuthMiddleware(mux)
}

// Start runs the HTTP server until it fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.log.Infow("starting web server", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	services := s.manager.GetAllServices()

	statuses := make([]map[string]any, 0, len(services))
	for _, svc := range services {
		statuses = append(statuses, s.serviceJSON(svc))
	}
	writeJSON(w, statuses)
}

func (s *Server) serviceJSON(svc *supervisor.Service) map[string]any {
	status := svc.GetStatus()
	item := map[string]any{
		"name":                status.Name,
		"running":             status.Running,
		"pid":                 status.PID,
		"uptime":              status.Uptime.Seconds(),
		"restarts":            status.Restarts,
		"lastExitCode":        status.LastExitCode,
		"consecutiveFailures": status.ConsecutiveFailures,
		"enabled":             svc.Config.IsEnabled(),
		"schedule":            svc.Config.Schedule,
	}
	if status.LastRunTime != nil {
		item["lastRunTime"] = status.LastRunTime
	}
	if next, ok := s.manager.GetNextRunTime(status.Name); ok {
		item["nextRunTime"] = next
	}
	return item
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.manager.GetService(r.PathValue("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, s.serviceJSON(svc))
}

func (s *Server) startService(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StartService(r.PathValue("name")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "started"})
}

func (s *Server) stopService(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopService(r.PathValue("name")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "stopped"})
}

func (s *Server) restartService(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RestartService(r.PathValue("name")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "restarted"})
}

// runNowService triggers an immediate run of a scheduled service.
func (s *Server) runNowService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	svc, err := s.manager.GetService(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if !svc.Config.IsScheduled() {
		http.Error(w, "Service is not a scheduled service", http.StatusBadRequest)
		return
	}
	if svc.IsRunning() {
		http.Error(w, "Service is already running", http.StatusConflict)
		return
	}
	if err := svc.Start(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "started"})
}

// streamLogs upgrades to a WebSocket and streams the buffered history
// followed by live lines for one output stream.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	stream := r.PathValue("stream")

	if stream != "stdout" && stream != "stderr" {
		http.Error(w, "Stream must be stdout or stderr", http.StatusBadRequest)
		return
	}

	svc, err := s.manager.GetService(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var history []byte
	var ch chan string
	if stream == "stdout" {
		history = svc.GetStdoutBuffer()
		ch = svc.SubscribeStdout()
		defer svc.UnsubscribeStdout(ch)
	} else {
		history = svc.GetStderrBuffer()
		ch = svc.SubscribeStderr()
		defer svc.UnsubscribeStderr(ch)
	}

	if len(history) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, history); err != nil {
			return
		}
	}

	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}
}
