package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenMCP-Orchestrator/internal/auth"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/job"
	"OpenMCP-Orchestrator/internal/planner"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/internal/tool"
)

type stubRunner struct {
	err        error
	task       string
	maxRetries int
}

func (s *stubRunner) Run(_ context.Context, task string, maxRetries int) (*run.Output, error) {
	s.task = task
	s.maxRetries = maxRetries
	if s.err != nil {
		return nil, s.err
	}
	step := run.Step{Index: 1, Tool: "weather", Description: "look up weather", Input: map[string]any{"city": "Paris"}}
	return &run.Output{
		Task: task,
		Plan: run.NewPlan(step),
		Report: run.NewReport(run.StepResult{
			Step:    step,
			Output:  map[string]any{"temp_c": 18.5},
			Success: true,
		}),
		Verification: run.Verification{
			Verified:    true,
			Summary:     "weather retrieved",
			RetrySteps:  []int{},
			FinalOutput: map[string]any{"answer": "18.5C"},
		},
		MaxRetries: maxRetries,
	}, nil
}

type stubCatalog struct{}

func (stubCatalog) Contracts() []tool.Contract {
	return []tool.Contract{{ID: "weather", Description: "current weather"}}
}

func newTestServer(runner Runner) (*Server, *job.Service) {
	svc := job.NewService(job.NewMemoryStore(), job.NewMemoryQueue(8))
	return NewServer(":0", runner, WithJobs(svc), WithCatalog(stubCatalog{}), WithRetryBudget(1, 3)), svc
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestRunTaskReturnsResponse(t *testing.T) {
	runner := &stubRunner{}
	server, _ := newTestServer(runner)

	req := httptest.NewRequest(http.MethodPost, "/run-task", strings.NewReader(`{"task":"weather in Paris","max_retries":2}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if runner.task != "weather in Paris" || runner.maxRetries != 2 {
		t.Fatalf("runner received %q/%d", runner.task, runner.maxRetries)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for _, key := range []string{"task", "plan", "results", "verification"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("response missing %q: %s", key, rec.Body.String())
		}
	}
	var resp run.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 1 || !resp.Results[0].Success || resp.Results[0].Tool != "weather" {
		t.Fatalf("unexpected results %+v", resp.Results)
	}
	if !resp.Verification.Verified || resp.Verification.FinalOutput["answer"] != "18.5C" {
		t.Fatalf("unexpected verification %+v", resp.Verification)
	}
}

func TestRunTaskDefaultsAndQueryTask(t *testing.T) {
	runner := &stubRunner{}
	server, _ := newTestServer(runner)

	req := httptest.NewRequest(http.MethodPost, "/run-task?task=hello", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if runner.task != "hello" || runner.maxRetries != 1 {
		t.Fatalf("expected default budget, got %q/%d", runner.task, runner.maxRetries)
	}
}

func TestRunTaskEchoesTaskVerbatim(t *testing.T) {
	runner := &stubRunner{}
	server, _ := newTestServer(runner)

	req := httptest.NewRequest(http.MethodPost, "/run-task", strings.NewReader(`{"task":"  weather in Paris "}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp run.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if runner.task != "  weather in Paris " || resp.Task != "  weather in Paris " {
		t.Fatalf("expected task passed and echoed verbatim, got %q/%q", runner.task, resp.Task)
	}
}

func TestRunTaskValidation(t *testing.T) {
	server, _ := newTestServer(&stubRunner{})

	cases := map[string]string{
		"malformed":    `{"task":`,
		"empty task":   `{"task":"  "}`,
		"over budget":  `{"task":"x","max_retries":9}`,
		"negative":     `{"task":"x","max_retries":-1}`,
		"missing body": ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/run-task", strings.NewReader(body))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decodeError(t, rec); got.Code != string(xerrors.CodeInvalidArgument) {
				t.Fatalf("unexpected error code %q", got.Code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/run-task", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRunTaskPlanningFailure(t *testing.T) {
	runner := &stubRunner{err: xerrors.Wrap(planner.CodePlanning, xerrors.New(xerrors.CodeNotFound, "unknown tool"), "unknown tool \"teleport\"")}
	server, _ := newTestServer(runner)

	req := httptest.NewRequest(http.MethodPost, "/run-task", strings.NewReader(`{"task":"teleport me"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	got := decodeError(t, rec)
	if got.Code != string(planner.CodePlanning) || !strings.Contains(got.Message, "teleport") {
		t.Fatalf("unexpected error %+v", got)
	}
}

func TestSubmitAndFetchRun(t *testing.T) {
	server, _ := newTestServer(&stubRunner{})
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"id":"run-1","task":"weather","max_retries":0}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var created jobView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if created.ID != "run-1" || created.Status != job.StatusPending || created.MaxRetries != 0 {
		t.Fatalf("unexpected job %+v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs?status=pending&limit=5", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var listed struct {
		Runs []jobView `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Runs) != 1 || listed.Runs[0].ID != "run-1" {
		t.Fatalf("unexpected list %+v", listed.Runs)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/stats", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var stats job.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRunDetailErrors(t *testing.T) {
	server, _ := newTestServer(&stubRunner{})
	handler := server.Handler()

	cases := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "not found", method: http.MethodGet, path: "/api/v1/runs/missing", want: http.StatusNotFound},
		{name: "missing id", method: http.MethodGet, path: "/api/v1/runs/", want: http.StatusBadRequest},
		{name: "invalid method", method: http.MethodDelete, path: "/api/v1/runs/run-1", want: http.StatusMethodNotAllowed},
		{name: "bad status filter", method: http.MethodGet, path: "/api/v1/runs?status=lost", want: http.StatusBadRequest},
		{name: "bad order", method: http.MethodGet, path: "/api/v1/runs?order=sideways", want: http.StatusBadRequest},
		{name: "bad since", method: http.MethodGet, path: "/api/v1/runs?since=yesterday", want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestToolsHealthAndMetrics(t *testing.T) {
	server, _ := newTestServer(&stubRunner{})
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var tools struct {
		Tools []tool.Contract `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tools); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].ID != "weather" {
		t.Fatalf("unexpected tools %+v", tools.Tools)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "openmcp_http_requests_total") {
		t.Fatalf("expected http metrics to be exported")
	}
}

func TestRunsDisabledWithoutJobs(t *testing.T) {
	server := NewServer(":0", &stubRunner{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAuthGuardsBusinessRoutes(t *testing.T) {
	guard, err := auth.NewService(auth.Config{
		Mode: auth.ModeAPIKey,
		Keys: []auth.Key{{Name: "reader", Token: "read-only", Permissions: []string{auth.PermissionRunsRead}}},
	}, nil)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	server := NewServer(":0", &stubRunner{}, WithCatalog(stubCatalog{}), WithAuth(guard))
	handler := server.Handler()

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{name: "anonymous run", method: http.MethodPost, path: "/run-task?task=x", want: http.StatusUnauthorized},
		{name: "reader run", method: http.MethodPost, path: "/run-task?task=x", token: "read-only", want: http.StatusForbidden},
		{name: "reader tools", method: http.MethodGet, path: "/api/v1/tools", token: "read-only", want: http.StatusOK},
		{name: "health open", method: http.MethodGet, path: "/healthz", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
