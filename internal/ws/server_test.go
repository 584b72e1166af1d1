package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wclr/taskmate/internal/config"
	"github.com/wclr/taskmate/internal/indicator"
	"github.com/wclr/taskmate/internal/session"
	"github.com/wclr/taskmate/internal/tasks"
	"github.com/wclr/taskmate/internal/tracker"
)

type fakeRequester struct {
	mu   sync.Mutex
	reqs []session.Request
	ch   chan session.Request
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{ch: make(chan session.Request, 16)}
}

func (f *fakeRequester) Submit(req session.Request) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	f.ch <- req
}

func (f *fakeRequester) all() []session.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Request(nil), f.reqs...)
}

type fakeHealth struct{ h tracker.Health }

func (f fakeHealth) Health() tracker.Health { return f.h }

type testEnv struct {
	server  *Server
	http    *httptest.Server
	reqs    *fakeRequester
	agg     *indicator.Aggregator
	catalog *tasks.Catalog
	b       *Broadcaster
	cfgPath string
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Server.AuthToken = token
	cfg.Tasks = []config.TaskConfig{{Name: "build", Cmd: "make"}}

	cfgPath := filepath.Join(t.TempDir(), "taskmate.yaml")
	reqs := newFakeRequester()
	agg := indicator.New(reqs)
	catalog := tasks.NewCatalog(cfgPath, cfg.Tasks)
	b := NewBroadcaster(agg, catalog, 0, 0, 0)
	s := NewServer(cfg, b, reqs, agg, catalog, fakeHealth{tracker.Health{Status: tracker.StatusHealthy}})

	srv := httptest.NewServer(s.Handler(http.NotFoundHandler()))
	t.Cleanup(func() {
		srv.Close()
		b.Stop()
	})
	return &testEnv{server: s, http: srv, reqs: reqs, agg: agg, catalog: catalog, b: b, cfgPath: cfgPath}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAuthorize(t *testing.T) {
	s := &Server{authToken: "secret"}

	tests := []struct {
		name   string
		mutate func(*http.Request)
		want   bool
	}{
		{"missing", func(*http.Request) {}, false},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=secret" }, true},
		{"header", func(r *http.Request) { r.Header.Set("X-Taskmate-Token", "secret") }, true},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }, true},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			tt.mutate(r)
			if got := s.authorize(r); got != tt.want {
				t.Errorf("authorize() = %v, want %v", got, tt.want)
			}
		})
	}

	if !(&Server{}).authorize(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("no token configured should allow everything")
	}
}

func TestCheckOrigin(t *testing.T) {
	open := &Server{allowedOrigins: map[string]bool{}, allowedHosts: map[string]bool{}}
	restricted := NewServer(&config.Config{Server: config.ServerConfig{AllowedOrigins: []string{"https://tasks.example.com"}}}, nil, nil, nil, nil, nil)

	tests := []struct {
		name   string
		s      *Server
		origin string
		want   bool
	}{
		{"no origin", open, "", true},
		{"localhost", open, "http://localhost:5173", true},
		{"loopback v6", open, "http://[::1]:3000", true},
		{"same host", open, "http://example.com", true},
		{"foreign", open, "http://evil.test", false},
		{"allowed", restricted, "https://tasks.example.com", true},
		{"allowed host other scheme", restricted, "http://tasks.example.com", true},
		{"not allowed", restricted, "http://localhost:5173", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := tt.s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestUnauthorizedRoutes(t *testing.T) {
	env := newTestEnv(t, "secret")
	for _, path := range []string{"/api/sessions", "/api/indicators", "/api/tasks", "/api/health"} {
		if resp := env.do(t, http.MethodGet, path, ""); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", path, resp.StatusCode)
		}
	}
	if resp := env.do(t, http.MethodGet, "/api/health?token=secret", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("authorized health = %d", resp.StatusCode)
	}
}

func TestCreateSessionRoute(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/sessions", `{"name":"shell","cwd":"/tmp"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /api/sessions = %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/api/sessions", `{"id":"x","name":"srv","cwd":"/srv","command":"make run"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /api/sessions = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/api/sessions", `{bad`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body = %d, want 400", resp.StatusCode)
	}

	reqs := env.reqs.all()
	if len(reqs) != 2 {
		t.Fatalf("requests = %+v", reqs)
	}
	if reqs[0] != session.Create("", "shell", "/tmp") {
		t.Errorf("first request = %+v", reqs[0])
	}
	if reqs[1] != session.CreateAndRun("x", "srv", "/srv", "make run") {
		t.Errorf("second request = %+v", reqs[1])
	}
}

func TestSessionActionRoutes(t *testing.T) {
	env := newTestEnv(t, "")
	env.agg.Apply(session.Event{Type: session.EventCreated, ID: "a", Name: "alpha", ProcessCount: 1})

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodPost, "/api/sessions/a/show", http.StatusAccepted},
		{http.MethodPost, "/api/sessions/a/dispose", http.StatusAccepted},
		{http.MethodPost, "/api/sessions/zzz/show", http.StatusNotFound},
		{http.MethodPost, "/api/sessions/a/explode", http.StatusNotFound},
		{http.MethodGet, "/api/sessions/a/show", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		if resp := env.do(t, tt.method, tt.path, ""); resp.StatusCode != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}

	reqs := env.reqs.all()
	if len(reqs) != 2 || reqs[0] != session.Show("a") || reqs[1] != session.Dispose("a") {
		t.Errorf("requests = %+v", reqs)
	}

	var sessions []session.Summary
	if err := json.NewDecoder(env.do(t, http.MethodGet, "/api/sessions", "").Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].ID != "a" {
		t.Errorf("GET /api/sessions = %+v", sessions)
	}
}

func TestClickRoute(t *testing.T) {
	env := newTestEnv(t, "")
	env.agg.Apply(session.Event{Type: session.EventCreated, ID: "a", Name: "alpha", ProcessCount: 1})

	if resp := env.do(t, http.MethodPost, "/api/click/"+indicator.CommandFor("a"), ""); resp.StatusCode != http.StatusAccepted {
		t.Errorf("click = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/api/click/taskmate.statusBarClick_nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown click = %d, want 404", resp.StatusCode)
	}
	if reqs := env.reqs.all(); len(reqs) != 1 || reqs[0] != session.Show("a") {
		t.Errorf("requests = %+v", reqs)
	}

	var items []indicator.Item
	if err := json.NewDecoder(env.do(t, http.MethodGet, "/api/indicators", "").Body).Decode(&items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Errorf("indicators = %+v", items)
	}
}

func TestTaskRoutes(t *testing.T) {
	env := newTestEnv(t, "")

	var picks []tasks.PickItem
	if err := json.NewDecoder(env.do(t, http.MethodGet, "/api/tasks", "").Body).Decode(&picks); err != nil {
		t.Fatal(err)
	}
	if len(picks) != 1 || picks[0].Label != "build" {
		t.Fatalf("GET /api/tasks = %+v", picks)
	}

	if resp := env.do(t, http.MethodPost, "/api/tasks/"+picks[0].ID+"/run", ""); resp.StatusCode != http.StatusAccepted {
		t.Errorf("run = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/api/tasks/nope/run", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("run unknown = %d, want 404", resp.StatusCode)
	}
	reqs := env.reqs.all()
	if len(reqs) != 1 || reqs[0].Action != session.ActionCreateAndRun || reqs[0].ID != picks[0].ID || reqs[0].Command != "make" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestTaskReloadRoute(t *testing.T) {
	env := newTestEnv(t, "")
	body := "tasks:\n  - name: build\n    cmd: make\n  - name: lint\n    group: ci\n    cmd: make lint\n"
	if err := os.WriteFile(env.cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, http.MethodPost, "/api/tasks/reload", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reload = %d", resp.StatusCode)
	}
	if env.catalog.Len() != 2 {
		t.Errorf("catalog has %d tasks after reload", env.catalog.Len())
	}

	os.WriteFile(env.cfgPath, []byte("tasks: [oops"), 0o644)
	if resp := env.do(t, http.MethodPost, "/api/tasks/reload", ""); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("broken reload = %d, want 422", resp.StatusCode)
	}
}

func TestHealthRoute(t *testing.T) {
	env := newTestEnv(t, "")
	env.agg.Apply(session.Event{Type: session.EventCreated, ID: "a", Name: "alpha"})

	var h HealthResponse
	if err := json.NewDecoder(env.do(t, http.MethodGet, "/api/health", "").Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != tracker.StatusHealthy || h.Sessions != 1 || h.Tasks != 1 {
		t.Errorf("health = %+v", h)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	env := newTestEnv(t, "secret")
	env.agg.Apply(session.Event{Type: session.EventCreated, ID: "a", Name: "alpha", ProcessCount: 1})

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("dial without token should fail")
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=secret", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var snap SnapshotPayload
	if err := json.Unmarshal(readMessage(t, conn, MsgSnapshot), &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Sessions) != 1 || len(snap.Tasks) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	send := func(typ MessageType, payload interface{}) {
		t.Helper()
		if err := conn.WriteJSON(WSMessage{Type: typ, Payload: payload}); err != nil {
			t.Fatal(err)
		}
	}
	expect := func(want session.Request) {
		t.Helper()
		select {
		case got := <-env.reqs.ch:
			if got != want {
				t.Errorf("request = %+v, want %+v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no request for %+v", want)
		}
	}

	send(MsgClick, ClickPayload{Command: indicator.CommandFor("a")})
	expect(session.Show("a"))

	send(MsgRequest, session.Dispose("a"))
	expect(session.Dispose("a"))

	send(MsgRunTask, RunTaskPayload{ID: snap.Tasks[0].ID})
	expect(env.catalog.All()[0].Request())

	send(MsgRequest, session.Request{Action: session.ActionShow})
	var e ErrorPayload
	if err := json.Unmarshal(readMessage(t, conn, MsgError), &e); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(e.Message, "requires an id") {
		t.Errorf("error = %q", e.Message)
	}
}

func TestStaticHandlerGetsUnmatchedPaths(t *testing.T) {
	cfg := config.Default()
	catalog := tasks.NewCatalog(filepath.Join(t.TempDir(), "taskmate.yaml"), nil)
	agg := indicator.New(newFakeRequester())
	s := NewServer(cfg, NewBroadcaster(agg, catalog, 0, 0, 0), newFakeRequester(), agg, catalog, fakeHealth{})

	static := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("status page"))
	})

	rec := httptest.NewRecorder()
	s.Handler(static).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Body.String() != "status page" {
		t.Errorf("GET / = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("static responses should carry security headers")
	}

	rec = httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET / without static handler = %d, want 404", rec.Code)
	}
}
