package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tasksync/internal/domain"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

// fakeHub accepts connections, records received frames and lets the test push frames.
type fakeHub struct {
	t        *testing.T
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan Frame
	accepted chan string
}

func newFakeHub(t *testing.T) (*fakeHub, string) {
	h := &fakeHub{t: t, received: make(chan Frame, 16), accepted: make(chan string, 16)}
	srv := httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()
	h.accepted <- r.URL.Query().Get("token")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(msg, &f) == nil {
			h.received <- f
		}
	}
}

func (h *fakeHub) latest() *websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[len(h.conns)-1]
}

func (h *fakeHub) push(raw string) {
	if err := h.latest().WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		h.t.Fatalf("push: %v", err)
	}
}

func startChannel(t *testing.T, url string, logger log.FieldLogger) *Channel {
	t.Helper()
	ch := New(Options{URL: url, Credentials: staticToken("tok"), Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Logger: logger})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		_ = ch.Close()
		<-done
	})
	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := ch.WaitConnected(wctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return ch
}

func recv[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting")
	}
	var zero T
	return zero
}

func TestDeliverAndUnsubscribe(t *testing.T) {
	hub, url := newFakeHub(t)
	ch := startChannel(t, url, nil)
	recv(t, hub.accepted)

	got := make(chan string, 4)
	sub := ch.Subscribe(domain.EventTaskDeleted, func(data json.RawMessage) error {
		id, err := domain.DecodeTaskID(data)
		if err != nil {
			return err
		}
		got <- id
		return nil
	})
	hub.push(`{"event":"task.deleted","data":"t1"}`)
	if id := recv(t, got); id != "t1" {
		t.Fatalf("unexpected id %q", id)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	if ch.Subscribers(domain.EventTaskDeleted) != 0 {
		t.Fatalf("subscription not released")
	}
	hub.push(`{"event":"task.deleted","data":"t2"}`)
	// A second subscriber on another name acts as a barrier for the first frame.
	barrier := make(chan struct{}, 1)
	ch.Subscribe("ping", func(json.RawMessage) error { barrier <- struct{}{}; return nil })
	hub.push(`{"event":"ping"}`)
	recv(t, barrier)
	select {
	case id := <-got:
		t.Fatalf("delivered after unsubscribe: %s", id)
	default:
	}
}

func TestMalformedFramesAreDroppedAndLoopSurvives(t *testing.T) {
	logger, hook := test.NewNullLogger()
	hub, url := newFakeHub(t)
	ch := startChannel(t, url, logger)
	recv(t, hub.accepted)

	got := make(chan domain.Task, 2)
	ch.Subscribe(domain.EventTaskCreated, func(data json.RawMessage) error {
		task, err := domain.DecodeTask(data)
		if err != nil {
			return err
		}
		got <- task
		return nil
	})
	hub.push(`not json`)
	hub.push(`{"event":"task.created","data":{"title":"no id"}}`)
	hub.push(`{"event":"task.created","data":{"id":"t1","title":"ok"}}`)
	if task := recv(t, got); task.ID != "t1" {
		t.Fatalf("unexpected task %+v", task)
	}
	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && strings.Contains(e.Message, "malformed") {
			warnings++
		}
	}
	if warnings != 2 {
		t.Fatalf("expected 2 malformed warnings, got %d", warnings)
	}
}

func TestEmitSendsFrame(t *testing.T) {
	hub, url := newFakeHub(t)
	ch := startChannel(t, url, nil)
	recv(t, hub.accepted)
	if err := ch.Emit(context.Background(), domain.EventTaskCreated, domain.Task{ID: "t1", Title: "x", Status: domain.StatusToDo}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	f := recv(t, hub.received)
	if f.Event != domain.EventTaskCreated {
		t.Fatalf("unexpected frame %+v", f)
	}
	if task, err := domain.DecodeTask(f.Data); err != nil || task.ID != "t1" {
		t.Fatalf("unexpected payload %s: %v", f.Data, err)
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	ch := New(Options{URL: "ws://127.0.0.1:1/ws"})
	if err := ch.Emit(context.Background(), "x", nil); !errors.Is(err, domain.ErrChannelDisconnect) {
		t.Fatalf("expected ErrChannelDisconnect, got %v", err)
	}
}

func TestReconnectFiresHooks(t *testing.T) {
	hub, url := newFakeHub(t)
	ch := startChannel(t, url, nil)
	recv(t, hub.accepted)

	reconnected := make(chan struct{}, 4)
	dropped := make(chan error, 4)
	ch.OnReconnect(func(context.Context) { reconnected <- struct{}{} })
	ch.OnDisconnect(func(err error) { dropped <- err })

	_ = hub.latest().Close()
	if err := recv(t, dropped); !errors.Is(err, domain.ErrChannelDisconnect) {
		t.Fatalf("expected ErrChannelDisconnect, got %v", err)
	}
	recv(t, hub.accepted)
	recv(t, reconnected)

	got := make(chan struct{}, 1)
	ch.Subscribe("after", func(json.RawMessage) error { got <- struct{}{}; return nil })
	hub.push(`{"event":"after","data":null}`)
	recv(t, got)
}

func TestDialRejectedCredentialsStopsRun(t *testing.T) {
	_, url := newFakeHub(t)
	ch := New(Options{URL: url, Initial: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Run(ctx); !errors.Is(err, domain.ErrAuthorizationDenied) {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", err)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	for attempt := 1; attempt < 20; attempt++ {
		d := backoff(attempt, 100*time.Millisecond, time.Second)
		if d > 1200*time.Millisecond {
			t.Fatalf("attempt %d: backoff %v exceeds cap with jitter", attempt, d)
		}
	}
}
