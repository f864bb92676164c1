package executor

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/internal/tool"
)

type flakyTool struct {
	id       string
	failures int
	err      error
	mu       sync.Mutex
	calls    int
	order    *[]string
}

func (f *flakyTool) Contract() tool.Contract {
	return tool.Contract{ID: f.id, Params: []tool.Param{{Name: "q", Type: tool.TypeString}}}
}

func (f *flakyTool) Invoke(_ context.Context, input map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.order != nil {
		*f.order = append(*f.order, f.id)
	}
	if f.calls <= f.failures {
		return nil, f.err
	}
	return map[string]any{"tool": f.id, "q": input["q"]}, nil
}

func newRegistry(t *testing.T, tools ...tool.Tool) *tool.Registry {
	t.Helper()
	reg, err := tool.NewRegistry(tools...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func fastExecutor(reg *tool.Registry, opts ...Option) *Executor {
	return New(reg, append([]Option{WithBaseDelay(time.Millisecond), WithMaxDelay(4 * time.Millisecond)}, opts...)...)
}

func TestExecuteAllReturnsAlignedReport(t *testing.T) {
	var order []string
	a := &flakyTool{id: "a", order: &order}
	b := &flakyTool{id: "b", order: &order}
	c := &flakyTool{id: "c", order: &order}
	plan := run.NewPlan(run.Step{Tool: "c"}, run.Step{Tool: "a"}, run.Step{Tool: "b"})

	report := fastExecutor(newRegistry(t, a, b, c)).Execute(context.Background(), plan, run.All())

	if report.Len() != plan.Len() {
		t.Fatalf("expected %d results, got %d", plan.Len(), report.Len())
	}
	for i, res := range report.Results {
		if res.Step.Index != plan.Steps[i].Index || res.Step.Tool != plan.Steps[i].Tool {
			t.Fatalf("result %d not aligned with plan: %+v", i, res.Step)
		}
		if !res.Success || res.Attempts != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
	}
	if len(order) != 3 || order[0] != "c" || order[1] != "a" || order[2] != "b" {
		t.Fatalf("steps not executed in index order: %v", order)
	}
}

func TestTransientFailureRetriedWithinCeiling(t *testing.T) {
	flaky := &flakyTool{id: "weather", failures: 2, err: tool.Unavailable("weather", stdErrors.New("503"), "down")}
	plan := run.NewPlan(run.Step{Tool: "weather", Input: map[string]any{"q": "Paris"}})

	var observed int
	exec := fastExecutor(newRegistry(t, flaky), WithCallObserver(func(_ string, attempts int, _ time.Duration, err error) {
		observed = attempts
		if err != nil {
			t.Fatalf("observer saw error %v", err)
		}
	}))
	report := exec.Execute(context.Background(), plan, run.All())

	res, _ := report.Result(1)
	if !res.Success || res.Attempts != 3 || res.Output["q"] != "Paris" {
		t.Fatalf("expected success on third attempt, got %+v", res)
	}
	if observed != 3 {
		t.Fatalf("observer expected 3 attempts, got %d", observed)
	}
}

func TestTransientFailureGivesUpAfterMaxAttempts(t *testing.T) {
	flaky := &flakyTool{id: "weather", failures: 10, err: tool.Unavailable("weather", nil, "down")}
	report := fastExecutor(newRegistry(t, flaky)).Execute(context.Background(), run.NewPlan(run.Step{Tool: "weather"}), run.All())

	res, _ := report.Result(1)
	if res.Success || res.Attempts != 3 || res.Error == "" || res.Output != nil {
		t.Fatalf("expected failure after 3 attempts, got %+v", res)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 invocations, got %d", flaky.calls)
	}
}

func TestPermanentFailureRecordedImmediately(t *testing.T) {
	broken := &flakyTool{id: "github", failures: 10, err: tool.Rejected("github", nil, "not found")}
	ok := &flakyTool{id: "weather"}
	plan := run.NewPlan(run.Step{Tool: "github"}, run.Step{Tool: "weather"})

	report := fastExecutor(newRegistry(t, broken, ok)).Execute(context.Background(), plan, run.All())

	first, _ := report.Result(1)
	if first.Success || first.Attempts != 1 || broken.calls != 1 {
		t.Fatalf("permanent failure must not be retried: %+v (calls=%d)", first, broken.calls)
	}
	second, _ := report.Result(2)
	if !second.Success {
		t.Fatalf("failure of step 1 must not affect step 2: %+v", second)
	}
}

func TestInvalidInputAndUnknownToolBecomeFailedResults(t *testing.T) {
	ok := &flakyTool{id: "weather"}
	plan := run.NewPlan(
		run.Step{Tool: "weather", Input: map[string]any{"q": 42}},
		run.Step{Tool: "missing"},
		run.Step{Tool: "weather", Input: map[string]any{"q": "fine"}},
	)
	report := fastExecutor(newRegistry(t, ok)).Execute(context.Background(), plan, run.All())

	if report.Len() != 3 {
		t.Fatalf("expected 3 results, got %d", report.Len())
	}
	for _, idx := range []int{1, 2} {
		if res, _ := report.Result(idx); res.Success {
			t.Fatalf("step %d should fail: %+v", idx, res)
		}
	}
	if ok.calls != 1 {
		t.Fatalf("invalid input must not reach the tool, calls=%d", ok.calls)
	}
}

func TestExecuteSubset(t *testing.T) {
	a := &flakyTool{id: "a"}
	b := &flakyTool{id: "b"}
	plan := run.NewPlan(run.Step{Tool: "a"}, run.Step{Tool: "b"})

	report := fastExecutor(newRegistry(t, a, b)).Execute(context.Background(), plan, run.Only(2))

	if report.Len() != 1 || report.Results[0].Step.Index != 2 {
		t.Fatalf("expected only step 2, got %+v", report.Indices())
	}
	if a.calls != 0 || b.calls != 1 {
		t.Fatalf("unexpected invocations a=%d b=%d", a.calls, b.calls)
	}
}

func TestToolTimeoutIsTransient(t *testing.T) {
	calls := 0
	slow := tool.Func{
		Spec: tool.Contract{ID: "slow"},
		Fn: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			calls++
			if calls < 2 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return map[string]any{"ok": true}, nil
		},
	}
	exec := fastExecutor(newRegistry(t, slow), WithToolTimeout(5*time.Millisecond))
	report := exec.Execute(context.Background(), run.NewPlan(run.Step{Tool: "slow"}), run.All())

	res, _ := report.Result(1)
	if !res.Success || res.Attempts != 2 {
		t.Fatalf("expected timeout to be retried, got %+v", res)
	}
}

func TestCanceledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	flaky := &flakyTool{id: "weather", failures: 10, err: tool.Unavailable("weather", nil, "down")}
	exec := New(newRegistry(t, flaky), WithBaseDelay(time.Hour))

	done := make(chan run.Report, 1)
	go func() { done <- exec.Execute(ctx, run.NewPlan(run.Step{Tool: "weather"}), run.All()) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case report := <-done:
		res, _ := report.Result(1)
		if res.Success || res.Attempts != 1 {
			t.Fatalf("unexpected result after cancel %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("executor did not stop after cancellation")
	}
}
