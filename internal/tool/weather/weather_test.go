package weather

import (
	"context"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"OpenMCP-Orchestrator/internal/tool"
)

func TestInvokeReturnsCurrentWeather(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/weather" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("q") != "Paris" || q.Get("appid") != "secret" || q.Get("units") != "metric" {
			t.Fatalf("unexpected query %v", q)
		}
		_, _ = w.Write([]byte(`{"name":"Paris","main":{"temp":21.5,"humidity":40},"weather":[{"description":"clear sky"}]}`))
	}))
	defer srv.Close()

	wt, err := New(Config{APIKey: "secret", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := wt.Invoke(context.Background(), map[string]any{"city": "Paris"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out["temperature"] != 21.5 || out["condition"] != "clear sky" || out["city"] != "Paris" {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestInvokeClassifiesFailures(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		wt, _ := New(Config{APIKey: "k", BaseURL: srv.URL})
		_, err := wt.Invoke(context.Background(), map[string]any{"city": "Atlantis"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := tool.IsTransient(err); got != tc.transient {
			t.Fatalf("status %d: expected transient=%v, got %v (%v)", tc.status, tc.transient, got, err)
		}
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
	wt, _ := New(Config{APIKey: "k"})
	if _, err := wt.Invoke(context.Background(), map[string]any{"city": " "}); !stdErrors.Is(err, tool.ErrRejected) {
		t.Fatalf("expected rejection for blank city, got %v", err)
	}
}
