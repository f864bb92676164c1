package verifier

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"reflect"
	"strings"
	"testing"

	"OpenMCP-Orchestrator/internal/llm"
	"OpenMCP-Orchestrator/internal/run"
)

func fixedGenerator(response string, calls *int) llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, req llm.Request) (json.RawMessage, error) {
		if calls != nil {
			*calls++
		}
		if req.Name != "verify" || req.Schema == nil {
			return nil, stdErrors.New("unexpected request")
		}
		return json.RawMessage(response), nil
	})
}

func fixture() (run.Plan, run.Report) {
	plan := run.NewPlan(
		run.Step{Tool: "weather.get_weather", Input: map[string]any{"city": "Paris"}},
		run.Step{Tool: "github.search_repos", Input: map[string]any{"query": "paris"}},
	)
	report := run.NewReport(
		run.StepResult{Step: plan.Steps[0], Success: true, Output: map[string]any{"temperature": 20.0}},
		run.StepResult{Step: plan.Steps[1], Success: false, Error: "rate limited"},
	)
	return plan, report
}

func TestVerifyFlagsDeficientSteps(t *testing.T) {
	plan, report := fixture()
	gen := fixedGenerator(`{"verified": true, "summary": "repos missing",
		"deficient_steps": [{"step": 2, "reason": "failed"}, {"step": 2, "reason": "dup"}],
		"final_output": {"weather.get_weather": {"temperature": 20}}}`, nil)

	got, err := New(gen).Verify(context.Background(), "task", plan, report)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !got.NeedsRetry || !reflect.DeepEqual(got.RetrySteps, []int{2}) {
		t.Fatalf("expected retry of step 2, got %+v", got)
	}
	if got.Verified {
		t.Fatalf("verified must be false while steps are deficient")
	}
	if got.FinalOutput["weather.get_weather"] == nil {
		t.Fatalf("final output lost: %+v", got.FinalOutput)
	}
}

func TestVerifyAllGood(t *testing.T) {
	plan, report := fixture()
	gen := fixedGenerator(`{"verified": true, "summary": "ok", "deficient_steps": [], "final_output": {}}`, nil)
	got, err := New(gen).Verify(context.Background(), "task", plan, report)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !got.Verified || got.NeedsRetry || len(got.RetrySteps) != 0 {
		t.Fatalf("unexpected verification %+v", got)
	}
}

func TestVerifyIsIdempotent(t *testing.T) {
	plan, report := fixture()
	calls := 0
	gen := fixedGenerator(`{"verified": false, "summary": "s", "deficient_steps": [{"step": 2, "reason": "r"}], "final_output": {"a": 1}}`, &calls)
	v := New(gen)

	first, err := v.Verify(context.Background(), "task", plan, report)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	before, _ := json.Marshal(report)
	second, _ := v.Verify(context.Background(), "task", plan, report)
	after, _ := json.Marshal(report)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("verification not idempotent: %+v vs %+v", first, second)
	}
	if string(before) != string(after) {
		t.Fatalf("report mutated by verify")
	}
	if calls != 2 {
		t.Fatalf("expected one generation call per verify, got %d", calls)
	}
}

func TestVerifyErrors(t *testing.T) {
	plan, report := fixture()
	cases := map[string]llm.Generator{
		"generation failure": llm.GeneratorFunc(func(context.Context, llm.Request) (json.RawMessage, error) {
			return nil, llm.Failure(stdErrors.New("quota"), "down")
		}),
		"schema violation": fixedGenerator(`{"verified": "yes"}`, nil),
		"out of range":     fixedGenerator(`{"verified": false, "summary": "", "deficient_steps": [{"step": 9, "reason": "?"}], "final_output": {}}`, nil),
	}
	for name, gen := range cases {
		_, err := New(gen).Verify(context.Background(), "task", plan, report)
		if !stdErrors.Is(err, ErrVerification) {
			t.Fatalf("%s: expected ErrVerification, got %v", name, err)
		}
	}
}

func TestPromptIncludesFailures(t *testing.T) {
	plan, report := fixture()
	prompt, err := buildPrompt("weather and repos", plan, report)
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if !strings.Contains(prompt, "rate limited") || !strings.Contains(prompt, "weather and repos") {
		t.Fatalf("prompt missing context: %s", prompt)
	}
}
