package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wclr/taskmate/internal/session"
	"github.com/wclr/taskmate/internal/ws"
)

func serverMessage(t *testing.T, typ ws.MessageType, payload interface{}) ws.ClientMessage {
	t.Helper()
	data, err := json.Marshal(ws.WSMessage{Type: typ, Seq: 7, Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	var msg ws.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestDecode(t *testing.T) {
	ev := session.Event{Type: session.EventState, ID: "a", Name: "alpha", State: session.Running, ProcessCount: 3}

	got := Decode(serverMessage(t, ws.MsgEvent, ev))
	em, ok := got.(EventMsg)
	if !ok || em.Event.ID != "a" || em.Event.Type != session.EventState || em.Event.ProcessCount != 3 {
		t.Errorf("event decoded as %#v", got)
	}

	got = Decode(serverMessage(t, ws.MsgNotice, session.Notice{Level: session.NoticeWarn, Text: "slow"}))
	if nm, ok := got.(NoticeMsg); !ok || nm.Notice.Text != "slow" {
		t.Errorf("notice decoded as %#v", got)
	}

	got = Decode(serverMessage(t, ws.MsgTasks, ws.TasksPayload{Show: true}))
	if tm, ok := got.(TasksMsg); !ok || !tm.Show {
		t.Errorf("tasks decoded as %#v", got)
	}

	got = Decode(serverMessage(t, ws.MsgError, ws.ErrorPayload{Message: "boom"}))
	if em, ok := got.(ServerErrorMsg); !ok || em.Message != "boom" {
		t.Errorf("error decoded as %#v", got)
	}

	if got := Decode(ws.ClientMessage{Type: "mystery"}); got != nil {
		t.Errorf("unknown type decoded as %#v", got)
	}
	if got := Decode(ws.ClientMessage{Type: ws.MsgEvent, Payload: json.RawMessage(`"nope"`)}); got != nil {
		t.Errorf("bad payload decoded as %#v", got)
	}
}

func TestWithToken(t *testing.T) {
	if got := withToken("ws://h:1/ws", ""); got != "ws://h:1/ws" {
		t.Errorf("no token: %q", got)
	}
	if got := withToken("ws://h:1/ws", "a b"); got != "ws://h:1/ws?token=a+b" {
		t.Errorf("with token: %q", got)
	}
}

func TestHTTPClientSendsAuthAndPaths(t *testing.T) {
	type call struct{ method, path, auth, body string }
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, call{r.Method, r.URL.EscapedPath(), r.Header.Get("Authorization"), string(body)})
		switch r.URL.Path {
		case "/api/tasks/reload":
			w.Write([]byte(`{"tasks":4}`))
		case "/api/sessions":
			if r.Method == http.MethodGet {
				w.Write([]byte(`[{"id":"a","name":"alpha","state":"running","processCount":2}]`))
				return
			}
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret")

	n, err := c.ReloadTasks()
	if err != nil || n != 4 {
		t.Fatalf("ReloadTasks = %d, %v", n, err)
	}
	if err := c.ShowSession("a/b"); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateSession("shell", "/tmp", ""); err != nil {
		t.Fatal(err)
	}
	sessions, err := c.GetSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].State != session.Running {
		t.Errorf("sessions = %+v", sessions)
	}

	if len(calls) != 4 {
		t.Fatalf("calls = %+v", calls)
	}
	for _, c := range calls {
		if c.auth != "Bearer secret" {
			t.Errorf("%s %s auth = %q", c.method, c.path, c.auth)
		}
	}
	if calls[1].path != "/api/sessions/a%2Fb/show" {
		t.Errorf("show path = %q", calls[1].path)
	}
	if calls[2].body == "" {
		t.Error("create should send a body")
	}
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewHTTPClient(srv.URL, "").DisposeSession("zzz")
	if err == nil {
		t.Fatal("expected error")
	}
}
