package taskmarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const creator = "0x00000000000000000000000000000000000000C1"

func TestCreateTaskSendsAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get(AccountHeader); got != creator {
			t.Fatalf("unexpected account header %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["prompt"] != "t1" || body["reward"] != "100" {
			t.Fatalf("unexpected body: %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Task{ID: 0, Creator: creator, Prompt: "t1", Reward: "100", State: "Open"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccount(creator)

	task, err := client.CreateTask(context.Background(), "t1", "100")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.State != "Open" || task.Reward != "100" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestWriteRequiresAccount(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.AcceptTask(context.Background(), 1); err == nil {
		t.Fatalf("expected error without account")
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"TASK_NOT_OPEN","message":"task is not open for this caller","selector":"0x12345678"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL+"/", srv.Client())
	client.SetAccount(creator)
	_, err := client.AcceptTask(context.Background(), 3)
	if !IsCode(err, "TASK_NOT_OPEN") {
		t.Fatalf("expected TASK_NOT_OPEN, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusConflict || apiErr.Selector != "0x12345678" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestQueriesAndPaths(t *testing.T) {
	seen := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[r.URL.Path] = r.URL.RawQuery
		switch r.URL.Path {
		case "/api/v1/tasks":
			_ = json.NewEncoder(w).Encode(TaskPage{Total: 3, Offset: 1, Limit: 2, Tasks: []Task{{ID: 1}, {ID: 2}}})
		case "/api/v1/tasks/2/permissions":
			_ = json.NewEncoder(w).Encode(Permissions{TaskID: 2, CanApprove: true})
		case "/api/v1/events":
			_ = json.NewEncoder(w).Encode(map[string]any{"events": []Event{{Seq: 5, Kind: "TaskApproved"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	page, err := client.ListTasks(ctx, 1, 2)
	if err != nil || len(page.Tasks) != 2 || page.Total != 3 {
		t.Fatalf("list tasks: %+v %v", page, err)
	}
	if seen["/api/v1/tasks"] != "limit=2&offset=1" {
		t.Fatalf("unexpected list query %q", seen["/api/v1/tasks"])
	}

	perms, err := client.Permissions(ctx, 2, creator)
	if err != nil || !perms.CanApprove {
		t.Fatalf("permissions: %+v %v", perms, err)
	}
	if seen["/api/v1/tasks/2/permissions"] != "account="+creator {
		t.Fatalf("unexpected permissions query %q", seen["/api/v1/tasks/2/permissions"])
	}

	events, err := client.Events(ctx, 4, 0)
	if err != nil || len(events) != 1 || events[0].Seq != 5 {
		t.Fatalf("events: %+v %v", events, err)
	}

	if _, err := client.ChainStatus(ctx); err == nil {
		t.Fatalf("expected error for unmounted mirror")
	}
}
