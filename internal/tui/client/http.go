package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/wclr/taskmate/internal/session"
	"github.com/wclr/taskmate/internal/tasks"
	"github.com/wclr/taskmate/internal/ws"
)

// HTTPClient makes REST calls to the server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting baseURL, e.g.
// "http://127.0.0.1:8080".
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetSessions fetches /api/sessions.
func (c *HTTPClient) GetSessions() ([]session.Summary, error) {
	var out []session.Summary
	if err := c.get("/api/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTasks fetches /api/tasks.
func (c *HTTPClient) GetTasks() ([]tasks.PickItem, error) {
	var out []tasks.PickItem
	if err := c.get("/api/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetHealth fetches /api/health.
func (c *HTTPClient) GetHealth() (*ws.HealthResponse, error) {
	var h ws.HealthResponse
	if err := c.get("/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ReloadTasks re-reads the server's task file and returns the task count.
func (c *HTTPClient) ReloadTasks() (int, error) {
	var out struct {
		Tasks int `json:"tasks"`
	}
	if err := c.post("/api/tasks/reload", nil, &out); err != nil {
		return 0, err
	}
	return out.Tasks, nil
}

// CreateSession sends POST /api/sessions. A non-empty command runs once the
// session is ready.
func (c *HTTPClient) CreateSession(name, cwd, command string) error {
	body := map[string]string{"name": name, "cwd": cwd, "command": command}
	return c.post("/api/sessions", body, nil)
}

// ShowSession sends POST /api/sessions/{id}/show.
func (c *HTTPClient) ShowSession(id string) error {
	return c.post("/api/sessions/"+url.PathEscape(id)+"/show", nil, nil)
}

// DisposeSession sends POST /api/sessions/{id}/dispose.
func (c *HTTPClient) DisposeSession(id string) error {
	return c.post("/api/sessions/"+url.PathEscape(id)+"/dispose", nil, nil)
}

func (c *HTTPClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) post(path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %d %s", path, resp.StatusCode, bytes.TrimSpace(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
