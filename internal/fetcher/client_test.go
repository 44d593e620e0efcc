package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tasksync/internal/domain"
)

type staticCreds string

func (s staticCreds) Header() string { return "Bearer " + string(s) }

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", staticCreds("tok"))
}

func TestListTasksSendsFilterAndDecodesLegacyPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tasks" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		q := r.URL.Query()
		if q.Get("status") != "In Progress" || q.Get("dueDate") != "2024-01-10" || q.Get("sortOrder") != "desc" {
			t.Errorf("unexpected query %v", q)
		}
		_, _ = w.Write([]byte(`[{"_id":"t1","title":"a","status":"InProgress","privilegeId":"u1"}]`))
	})
	due := time.Date(2024, 1, 10, 23, 0, 0, 0, time.UTC)
	tasks, err := c.ListTasks(context.Background(), domain.TaskFilter{Status: domain.StatusInProgress, DueDate: due}, domain.SortDesc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" || tasks[0].OwnerID != "u1" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, domain.ErrAuthorizationDenied},
		{http.StatusForbidden, domain.ErrAuthorizationDenied},
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusInternalServerError, domain.ErrNetworkFailure},
		{http.StatusBadGateway, domain.ErrNetworkFailure},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		})
		_, err := c.ListUsers(context.Background())
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != tc.status {
			t.Fatalf("status %d: expected APIError, got %v", tc.status, err)
		}
	}
}

func TestMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"t1"}]`))
	})
	if _, err := c.ListTasks(context.Background(), domain.TaskFilter{}, ""); !errors.Is(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
	c2 := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	if _, err := c2.ListNotifications(context.Background(), "u1"); !errors.Is(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	c := New(base, staticCreds("tok"))
	if _, err := c.ListUsers(context.Background()); !errors.Is(err, domain.ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %v", err)
	}
}

func TestMutationsUseContractPaths(t *testing.T) {
	var seen []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		switch r.Method {
		case http.MethodPost:
			var in map[string]any
			_ = json.NewDecoder(r.Body).Decode(&in)
			if in["dueDate"] != "2024-01-10T08:00:00Z" || in["ownerId"] != "u1" {
				t.Errorf("unexpected create body %v", in)
			}
			_, _ = w.Write([]byte(`{"id":"t1","title":"a","ownerId":"u1","status":"To Do"}`))
		case http.MethodPut:
			var in map[string]any
			_ = json.NewDecoder(r.Body).Decode(&in)
			if in["status"] != "Done" || len(in) != 1 {
				t.Errorf("unexpected patch body %v", in)
			}
			_, _ = w.Write([]byte(`{"id":"t1","title":"a","ownerId":"u1","status":"Done"}`))
		case http.MethodPatch:
			_, _ = w.Write([]byte(`{"id":"n1","userId":"u1","message":"m","read":true}`))
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()
	local := time.FixedZone("x", 2*3600)
	if _, err := c.CreateTask(ctx, domain.NewTask{Title: "a", OwnerID: "u1", DueDate: time.Date(2024, 1, 10, 10, 0, 0, 0, local)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	st := domain.StatusDone
	if got, err := c.UpdateTask(ctx, "t1", domain.TaskPatch{Status: &st}); err != nil || !got.Done() {
		t.Fatalf("update: %+v %v", got, err)
	}
	if err := c.DeleteTask(ctx, "t1", "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, err := c.MarkNotificationRead(ctx, "n1"); err != nil || !n.Read {
		t.Fatalf("mark read: %+v %v", n, err)
	}
	want := []string{"POST /api/tasks", "PUT /api/tasks/updateTask/t1", "DELETE /api/tasks/deleteTask/t1/u1", "PATCH /api/notifications/n1"}
	if len(seen) != len(want) {
		t.Fatalf("unexpected calls %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("call %d: got %s want %s", i, seen[i], want[i])
		}
	}
}

func TestDevLoginOmitsAuthorization(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("dev login should not send credentials")
		}
		_, _ = w.Write([]byte(`{"token":"abc"}`))
	})
	tok, err := c.DevLogin(context.Background(), "ann", domain.RoleAdmin)
	if err != nil || tok != "abc" {
		t.Fatalf("dev login: %q %v", tok, err)
	}
}
