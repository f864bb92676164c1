package openmcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestRunTaskSendsBudget(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run-task" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.Task != "weather in Paris" || req.MaxRetries == nil || *req.MaxRetries != 2 {
			t.Fatalf("unexpected request body %+v", req)
		}
		_ = json.NewEncoder(w).Encode(RunResponse{
			Task:         req.Task,
			Results:      []StepResult{{Step: 1, Tool: "weather.get_weather", Success: true}},
			Verification: Verification{Verified: true, RetrySteps: []int{}},
		})
	})

	retries := 2
	resp, err := client.RunTask(context.Background(), RunRequest{Task: "weather in Paris", MaxRetries: &retries})
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if !resp.Verification.Verified || len(resp.Results) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRunTaskDecodesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"PLANNING_FAILURE","message":"unknown tool"}}`))
	})

	_, err := client.RunTask(context.Background(), RunRequest{Task: "teleport"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError || apiErr.Code != "PLANNING_FAILURE" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestListRunsEncodesFilters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("status") != "failed,succeeded" || q.Get("verified") != "false" || q.Get("limit") != "5" || q.Get("order") != "asc" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"runs":[{"id":"run-1","status":"failed"}]}`))
	})

	verified := false
	runs, err := client.ListRuns(context.Background(), ListRunsOptions{
		Limit:     5,
		Statuses:  []string{StatusFailed, StatusSucceeded},
		Verified:  &verified,
		Ascending: true,
	})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" || !runs[0].Done() {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestWaitForRunPollsUntilDone(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/run-7" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		status := StatusRunning
		if atomic.AddInt32(&calls, 1) >= 3 {
			status = StatusSucceeded
		}
		_ = json.NewEncoder(w).Encode(Run{ID: "run-7", Status: status, Verified: status == StatusSucceeded})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	found, err := client.WaitForRun(ctx, "run-7", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for run: %v", err)
	}
	if found.Status != StatusSucceeded || !found.Verified {
		t.Fatalf("unexpected run %+v", found)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 polls, got %d", calls)
	}
}

func TestSubmitRunAndTools(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		switch r.URL.Path {
		case "/api/v1/runs":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Status: StatusPending})
		case "/api/v1/tools":
			_, _ = w.Write([]byte(`{"tools":[{"id":"weather.get_weather","params":[{"name":"city","type":"string","required":true}]}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	client.SetAccessToken("token")

	created, err := client.SubmitRun(context.Background(), RunRequest{ID: "run-1", Task: "weather"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	if created.ID != "run-1" || created.Done() {
		t.Fatalf("unexpected run %+v", created)
	}

	tools, err := client.Tools(context.Background())
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(tools) != 1 || len(tools[0].Params) != 1 || !tools[0].Params[0].Required {
		t.Fatalf("unexpected tools %+v", tools)
	}
}
