package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

func TestObserveRecordsCounters(t *testing.T) {
	before := testutil.ToFloat64(runs.WithLabelValues("verified"))
	ObserveRun("verified", 1, 2*time.Second)
	if got := testutil.ToFloat64(runs.WithLabelValues("verified")); got != before+1 {
		t.Fatalf("expected verified runs to increase, got %v", got)
	}

	ObserveToolCall("weather.get_weather", 3, time.Second, xerrors.New(xerrors.CodeTimeout, "slow"))
	if got := testutil.ToFloat64(toolCalls.WithLabelValues("weather.get_weather", "timeout")); got < 1 {
		t.Fatalf("expected timeout tool call, got %v", got)
	}

	ObserveGeneration("plan", time.Second, errors.New("boom"))
	if got := testutil.ToFloat64(generations.WithLabelValues("plan", "error")); got < 1 {
		t.Fatalf("expected generation error, got %v", got)
	}

	ObserveHTTPRequest("/run-task", "POST", 500, time.Millisecond)
	if got := testutil.ToFloat64(httpErrors.WithLabelValues("/run-task", "POST")); got < 1 {
		t.Fatalf("expected http error counter, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveHTTPRequest("/healthz", "GET", 200, time.Millisecond)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `openmcp_http_requests_total{code="200",handler="/healthz",method="GET"}`) {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}
