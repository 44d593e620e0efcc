package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tasksync/internal/channel"
	"tasksync/internal/db"
	"tasksync/internal/domain"
	"tasksync/internal/engine"
	"tasksync/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Hub    *Hub
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "hub.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	hub := NewHub(e, NewLocalBroker(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	handler, err := New(Config{Engine: e, Hub: hub, Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Hub:    hub,
		client: &http.Client{},
		close: func() {
			cancel()
			hub.Close()
			srv.Close()
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type login struct {
	Token  string
	User   domain.User
	Header map[string]string
}

func devLogin(t *testing.T, srv *testServer, username, role string) login {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/dev/login", map[string]any{"username": username, "role": role}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	return login{Token: out.Token, User: out.User, Header: map[string]string{"Authorization": "Bearer " + out.Token}}
}

func createTask(t *testing.T, srv *testServer, who login, body map[string]any) domain.Task {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/tasks", body, who.Header)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, data)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return task
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestTaskLifecycleOverREST(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ann := devLogin(t, srv, "ann", "User")
	bob := devLogin(t, srv, "bob", "User")
	root := devLogin(t, srv, "root", "Admin")

	task := createTask(t, srv, ann, map[string]any{"title": "Report", "dueDate": "2024-01-10", "status": "ToDo"})
	if task.OwnerID != ann.User.ID || task.Status != domain.StatusToDo || task.DueDate.Format(time.DateOnly) != "2024-01-10" {
		t.Fatalf("unexpected task %+v", task)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/tasks?status=To%20Do&dueDate=2024-01-10&sortOrder=desc", nil, bob.Header)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var list []domain.Task
	if err := json.Unmarshal(data, &list); err != nil || len(list) != 1 || list[0].ID != task.ID {
		t.Fatalf("list %s: %v", data, err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/tasks/updateTask/"+task.ID, map[string]any{"status": "Done"}, bob.Header)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "forbidden" {
		t.Fatalf("error envelope %s: %v", data, err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/tasks/updateTask/"+task.ID, map[string]any{"status": "Done"}, root.Header)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin update %d: %s", res.StatusCode, data)
	}
	var updated domain.Task
	if err := json.Unmarshal(data, &updated); err != nil || updated.Status != domain.StatusDone || updated.OwnerID != ann.User.ID {
		t.Fatalf("updated %s: %v", data, err)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/tasks/updateTask/"+task.ID, map[string]any{"status": "Later"}, ann.Header)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/api/tasks/deleteTask/"+task.ID+"/"+ann.User.ID, nil, bob.Header)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for impersonated delete, got %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/api/tasks/deleteTask/"+task.ID+"/"+ann.User.ID, nil, ann.Header)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/tasks/updateTask/"+task.ID, map[string]any{"title": "x"}, ann.Header)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestUsersAndNotificationsOverREST(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ann := devLogin(t, srv, "ann", "User")
	bob := devLogin(t, srv, "bob", "")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/users/all", nil, ann.Header)
	var users []domain.User
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &users) != nil || len(users) != 2 {
		t.Fatalf("users %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/users/fetchUser/"+bob.User.ID, nil, ann.Header)
	var u domain.User
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &u) != nil || u.Username != "bob" || u.Role != domain.RoleUser {
		t.Fatalf("fetch user %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/users/fetchUser/missing", nil, ann.Header)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}

	createTask(t, srv, ann, map[string]any{"title": "Report", "assignedUser": bob.User.ID})

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/notifications/"+bob.User.ID, nil, ann.Header)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 reading foreign notifications, got %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/notifications/"+bob.User.ID, nil, bob.Header)
	var notes []domain.Notification
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &notes) != nil || len(notes) != 1 || notes[0].Read {
		t.Fatalf("notifications %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/notifications/"+notes[0].ID, map[string]any{"read": true}, bob.Header)
	var n domain.Notification
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &n) != nil || !n.Read {
		t.Fatalf("mark read %d: %s", res.StatusCode, data)
	}
}

func dialWS(t *testing.T, srv *testServer, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// nextFrame reads until a frame named event arrives.
func nextFrame(t *testing.T, conn *websocket.Conn, event string) channel.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		var f channel.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatalf("bad frame %s: %v", msg, err)
		}
		if f.Event == event {
			return f
		}
	}
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebsocketRequiresToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake, got %v", err)
	}
}

func TestHubRelaysTaskFramesAndPushesNotifications(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ann := devLogin(t, srv, "ann", "User")
	bob := devLogin(t, srv, "bob", "User")
	annWS := dialWS(t, srv, ann.Token)
	bobWS := dialWS(t, srv, bob.Token)
	waitClients(t, srv.Hub, 2)

	task := createTask(t, srv, ann, map[string]any{"title": "Report", "assignedUser": bob.User.ID})
	f := nextFrame(t, bobWS, domain.EventNotificationNew)
	notes, err := domain.DecodeNotifications(f.Data)
	if err != nil || len(notes) != 1 || notes[0].UserID != bob.User.ID {
		t.Fatalf("notification push %s: %v", f.Data, err)
	}

	frame, _ := json.Marshal(channel.Frame{Event: domain.EventTaskCreated, Data: mustJSON(t, task)})
	if err := annWS.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	for name, c := range map[string]*websocket.Conn{"ann": annWS, "bob": bobWS} {
		f := nextFrame(t, c, domain.EventTaskCreated)
		got, err := domain.DecodeTask(f.Data)
		if err != nil || got.ID != task.ID {
			t.Fatalf("%s relay %s: %v", name, f.Data, err)
		}
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, data json.RawMessage) {
	t.Helper()
	frame, _ := json.Marshal(channel.Frame{Event: event, Data: data})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// flush waits until the hub has handled every frame conn sent so far.
func flush(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeFrame(t, conn, domain.EventActivityFetch, json.RawMessage(`{}`))
	nextFrame(t, conn, domain.EventActivityLogs)
}

func TestHubDropsTaskFramesFromNonOwners(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ann := devLogin(t, srv, "ann", "User")
	mallory := devLogin(t, srv, "mallory", "User")
	task := createTask(t, srv, ann, map[string]any{"title": "Report"})
	annWS := dialWS(t, srv, ann.Token)
	malloryWS := dialWS(t, srv, mallory.Token)
	waitClients(t, srv.Hub, 2)

	forged := task
	forged.OwnerID = mallory.User.ID
	forged.Title = "pwned"
	writeFrame(t, malloryWS, domain.EventTaskUpdated, mustJSON(t, forged))
	writeFrame(t, malloryWS, domain.EventTaskDeleted, mustJSON(t, task.ID))
	writeFrame(t, malloryWS, domain.EventTaskCreated, mustJSON(t, domain.Task{ID: "ghost", Title: "x", OwnerID: mallory.User.ID}))
	flush(t, malloryWS)

	if err := srv.Hub.Broadcast(context.Background(), "marker", nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	_ = annWS.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := annWS.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var first channel.Frame
	if err := json.Unmarshal(msg, &first); err != nil || first.Event != "marker" {
		t.Fatalf("forged frame reached the owner: %s", msg)
	}
}

func TestHubRelaysStoredCopyAndConfirmedDeletes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ann := devLogin(t, srv, "ann", "User")
	bob := devLogin(t, srv, "bob", "User")
	task := createTask(t, srv, ann, map[string]any{"title": "Report"})
	annWS := dialWS(t, srv, ann.Token)
	bobWS := dialWS(t, srv, bob.Token)
	waitClients(t, srv.Hub, 2)

	tampered := task
	tampered.Title = "Renamed"
	writeFrame(t, annWS, domain.EventTaskUpdated, mustJSON(t, tampered))
	f := nextFrame(t, bobWS, domain.EventTaskUpdated)
	got, err := domain.DecodeTask(f.Data)
	if err != nil || got.ID != task.ID || got.Title != "Report" || got.OwnerID != ann.User.ID {
		t.Fatalf("relayed %s: %v", f.Data, err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/api/tasks/deleteTask/"+task.ID+"/"+ann.User.ID, nil, ann.Header)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete %d: %s", res.StatusCode, data)
	}
	writeFrame(t, annWS, domain.EventTaskDeleted, mustJSON(t, task.ID))
	f = nextFrame(t, bobWS, domain.EventTaskDeleted)
	if id, err := domain.DecodeTaskID(f.Data); err != nil || id != task.ID {
		t.Fatalf("relayed delete %s: %v", f.Data, err)
	}
}

func TestHubAnswersActivityFetchToRequesterOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ann := devLogin(t, srv, "ann", "User")
	bob := devLogin(t, srv, "bob", "User")
	createTask(t, srv, ann, map[string]any{"title": "Report"})
	annWS := dialWS(t, srv, ann.Token)
	bobWS := dialWS(t, srv, bob.Token)
	waitClients(t, srv.Hub, 2)

	req, _ := json.Marshal(channel.Frame{Event: domain.EventActivityFetch, Data: json.RawMessage(`{"userId":"` + ann.User.ID + `"}`)})
	if err := annWS.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := nextFrame(t, annWS, domain.EventActivityLogs)
	entries, err := domain.DecodeActivity(f.Data)
	if err != nil || len(entries) != 1 || entries[0].Action != domain.ActivityCreated || entries[0].Title != "Report" {
		t.Fatalf("activity %s: %v", f.Data, err)
	}

	// bob sees the next broadcast, not the activity answer.
	if err := srv.Hub.Broadcast(context.Background(), "marker", nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	_ = bobWS.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := bobWS.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var first channel.Frame
	if err := json.Unmarshal(msg, &first); err != nil || first.Event != "marker" {
		t.Fatalf("bob got %s first", msg)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestClientEnqueueAfterCloseDrops(t *testing.T) {
	c := &wsClient{id: "c1", send: make(chan []byte, 1)}
	if !c.enqueue([]byte("a")) {
		t.Fatalf("enqueue on open client failed")
	}
	if c.enqueue([]byte("b")) {
		t.Fatalf("enqueue on full buffer succeeded")
	}
	c.close()
	c.close()
	if c.enqueue([]byte("c")) {
		t.Fatalf("enqueue after close succeeded")
	}
	if msg := <-c.send; string(msg) != "a" {
		t.Fatalf("buffered frame lost: %q", msg)
	}
}
