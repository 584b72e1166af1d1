package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wclr/taskmate/internal/config"
	"github.com/wclr/taskmate/internal/indicator"
	"github.com/wclr/taskmate/internal/session"
	"github.com/wclr/taskmate/internal/tasks"
	"github.com/wclr/taskmate/internal/tracker"
)

const maxBodyBytes = 64 << 10

// Requester accepts requests for the tracker.
type Requester interface {
	Submit(req session.Request)
}

// HealthReporter reports process enumeration health.
type HealthReporter interface {
	Health() tracker.Health
}

type Server struct {
	config         *config.Config
	broadcaster    *Broadcaster
	requests       Requester
	indicators     *indicator.Aggregator
	catalog        *tasks.Catalog
	health         HealthReporter
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	startedAt      time.Time
}

func NewServer(cfg *config.Config, broadcaster *Broadcaster, requests Requester, indicators *indicator.Aggregator, catalog *tasks.Catalog, health HealthReporter) *Server {
	s := &Server{
		config:         cfg,
		broadcaster:    broadcaster,
		requests:       requests,
		indicators:     indicators,
		catalog:        catalog,
		health:         health,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		startedAt:      time.Now(),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Handler returns the full route table wrapped in security headers. A
// non-nil static handler serves everything outside /ws and /api.
func (s *Server) Handler(static http.Handler) http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	if static != nil {
		mux.Handle("/", static)
	}
	return securityHeaders(mux)
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/indicators", s.handleIndicators)
	mux.HandleFunc("/api/click/", s.handleClick)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskRoutes)
	mux.HandleFunc("/api/health", s.handleHealth)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		log.Printf("[ws] rejecting %s: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	log.Printf("[ws] client connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("[ws] client disconnected: %s", r.RemoteAddr)
		}()
		conn.SetReadLimit(maxBodyBytes)
		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				var syntaxErr *json.SyntaxError
				var typeErr *json.UnmarshalTypeError
				if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
					s.broadcaster.sendTo(c, errorMessage("malformed message"))
					continue
				}
				return
			}
			if err := s.handleClientMessage(msg); err != nil {
				s.broadcaster.sendTo(c, errorMessage(err.Error()))
			}
		}
	}()
}

func errorMessage(text string) WSMessage {
	return WSMessage{Type: MsgError, Payload: ErrorPayload{Message: text}}
}

// handleClientMessage routes one client message. The returned error is
// reported back to that client only.
func (s *Server) handleClientMessage(msg ClientMessage) error {
	switch msg.Type {
	case MsgRequest:
		var req session.Request
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return fmt.Errorf("invalid request: %w", err)
		}
		if err := req.Validate(); err != nil {
			return err
		}
		s.requests.Submit(req)
		return nil
	case MsgClick:
		var p ClickPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("invalid click: %w", err)
		}
		return s.indicators.Click(p.Command)
	case MsgRunTask:
		var p RunTaskPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("invalid run_task: %w", err)
		}
		return s.runTask(p.ID)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (s *Server) runTask(id string) error {
	task, ok := s.catalog.Get(id)
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	s.requests.Submit(task.Request())
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// createBody is the POST /api/sessions payload. A command makes it a
// createAndRun request.
type createBody struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Cwd     string `json:"cwd"`
	Command string `json:"command"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.indicators.Sessions())
	case http.MethodPost:
		var body createBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		req := session.Create(body.ID, body.Name, body.Cwd)
		if body.Command != "" {
			req = session.CreateAndRun(body.ID, body.Name, body.Cwd, body.Command)
		}
		s.requests.Submit(req)
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Parse: /api/sessions/{id}/{show|dispose}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || (parts[1] != "show" && parts[1] != "dispose") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if !s.hasSession(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	if parts[1] == "show" {
		s.requests.Submit(session.Show(id))
	} else {
		s.requests.Submit(session.Dispose(id))
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) hasSession(id string) bool {
	for _, sum := range s.indicators.Sessions() {
		if sum.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.indicators.Items())
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	command, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/api/click/"))
	if err != nil || command == "" {
		http.Error(w, "invalid command", http.StatusBadRequest)
		return
	}
	if err := s.indicators.Click(command); err != nil {
		if errors.Is(err, indicator.ErrUnknownCommand) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.PickList())
}

func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if path == "reload" {
		s.handleReload(w)
		return
	}

	// Parse: /api/tasks/{id}/run
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "run" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err := s.runTask(parts[0]); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReload(w http.ResponseWriter) {
	n, err := s.catalog.Reload()
	if err != nil {
		s.broadcaster.PublishNotice(session.Notice{Level: session.NoticeError, Text: err.Error()})
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.broadcaster.PublishTasks(false)
	writeJSON(w, http.StatusOK, map[string]int{"tasks": n})
}

// HealthResponse is the GET /api/health payload.
type HealthResponse struct {
	Status   tracker.HealthStatus `json:"status"`
	Uptime   string               `json:"uptime"`
	Clients  int                  `json:"clients"`
	Sessions int                  `json:"sessions"`
	Tasks    int                  `json:"tasks"`
	Tracker  tracker.Health       `json:"tracker"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h := s.health.Health()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   h.Status,
		Uptime:   time.Since(s.startedAt).Round(time.Second).String(),
		Clients:  s.broadcaster.ClientCount(),
		Sessions: len(s.indicators.Sessions()),
		Tasks:    s.catalog.Len(),
		Tracker:  h,
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Taskmate-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// ListenAndServe serves handler until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
