package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenMCP-Orchestrator/internal/tool"
)

func TestSearchReposSanitizesAndLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/repositories" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("sort") != "stars" || r.URL.Query().Get("per_page") != "2" {
			t.Fatalf("unexpected query %v", r.URL.Query())
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total_count":3,"items":[
			{"full_name":"a/one","stargazers_count":10,"html_url":"https://github.com/a/one","description":"<b>fast</b> engine"},
			{"full_name":"b/two","stargazers_count":5,"html_url":"https://github.com/b/two","description":null},
			{"full_name":"c/three","stargazers_count":1,"html_url":"https://github.com/c/three"}
		]}`))
	}))
	defer srv.Close()

	gt, err := New(context.Background(), Config{Token: "tok", BaseURL: srv.URL, RequestsPerSec: 100})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := gt.Invoke(context.Background(), map[string]any{"query": "engine", "limit": 2})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	repos := out["repositories"].([]any)
	if len(repos) != 2 {
		t.Fatalf("expected 2 repositories, got %d", len(repos))
	}
	first := repos[0].(map[string]any)
	if first["name"] != "a/one" || first["stars"] != 10 {
		t.Fatalf("unexpected first repo %v", first)
	}
	if desc := first["description"].(string); strings.Contains(desc, "<b>") || desc != "fast engine" {
		t.Fatalf("description not sanitized: %q", desc)
	}
}

func TestSearchReposClassifiesErrors(t *testing.T) {
	cases := []struct {
		status    int
		remaining string
		transient bool
	}{
		{http.StatusBadGateway, "", true},
		{http.StatusUnprocessableEntity, "", false},
		{http.StatusNotFound, "", false},
		// 带限流头但额度未用尽的 403 属于权限问题。
		{http.StatusForbidden, "59", false},
		{http.StatusForbidden, "0", true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if tc.remaining != "" {
				w.Header().Set("X-RateLimit-Limit", "60")
				w.Header().Set("X-RateLimit-Remaining", tc.remaining)
				w.Header().Set("X-RateLimit-Reset", "1700000000")
			}
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"message":"failure"}`))
		}))
		gt, _ := New(context.Background(), Config{BaseURL: srv.URL, RequestsPerSec: 100})
		_, err := gt.Invoke(context.Background(), map[string]any{"query": "x"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := tool.IsTransient(err); got != tc.transient {
			t.Fatalf("status %d remaining %q: expected transient=%v, got %v (%v)", tc.status, tc.remaining, tc.transient, got, err)
		}
	}
}
