package verifier

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/llm"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/pkg/logger"
)

// CodeVerification 表示校验阶段失败。
const CodeVerification xerrors.Code = "VERIFICATION_FAILURE"

// ErrVerification 用于 errors.Is 判断校验失败。
var ErrVerification = xerrors.New(CodeVerification, "verification failed")

func init() {
	xerrors.Register(CodeVerification, xerrors.Attributes{
		Message:  "verification failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

const defaultTimeout = 30 * time.Second

var judgmentSchema = mustSchema()

// Verifier 调用生成能力判断执行报告是否满足任务。
type Verifier struct {
	generator llm.Generator
	timeout   time.Duration
}

// Option 定义可选配置。
type Option func(*Verifier)

// WithTimeout 设置单次生成调用的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(v *Verifier) {
		if timeout > 0 {
			v.timeout = timeout
		}
	}
}

// New 构造校验器。
func New(generator llm.Generator, opts ...Option) *Verifier {
	v := &Verifier{generator: generator, timeout: defaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

type judgment struct {
	Verified       bool             `json:"verified"`
	Summary        string           `json:"summary"`
	DeficientSteps []run.Deficiency `json:"deficient_steps"`
	FinalOutput    map[string]any   `json:"final_output"`
}

// Verify 生成判定。不修改 report；生成失败或判定越界时返回 ErrVerification。
func (v *Verifier) Verify(ctx context.Context, task string, plan run.Plan, report run.Report) (run.Verification, error) {
	if v == nil || v.generator == nil {
		return run.Verification{}, xerrors.New(xerrors.CodeInitializationFailure, "校验器未初始化")
	}
	prompt, err := buildPrompt(task, plan, report)
	if err != nil {
		return run.Verification{}, fail(err, "构造提示词失败")
	}

	genCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	raw, err := v.generator.Generate(genCtx, llm.Request{
		Name:   "verify",
		System: systemPrompt,
		Prompt: prompt,
		Schema: judgmentSchema,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(genCtx.Err(), context.DeadlineExceeded) {
			return run.Verification{}, fail(xerrors.Wrap(xerrors.CodeTimeout, err, "生成判定超时"), "生成判定超时")
		}
		return run.Verification{}, fail(err, "生成判定失败")
	}

	var out judgment
	if err := llm.Decode(raw, judgmentSchema, &out); err != nil {
		return run.Verification{}, fail(err, "判定不符合 schema")
	}

	// 判定中引用的步骤必须存在于本次报告中。
	present := make(map[int]struct{}, report.Len())
	for _, idx := range report.Indices() {
		present[idx] = struct{}{}
	}
	seen := make(map[int]struct{}, len(out.DeficientSteps))
	retry := make([]int, 0, len(out.DeficientSteps))
	for _, d := range out.DeficientSteps {
		if _, ok := present[d.Step]; !ok {
			return run.Verification{}, fail(nil, fmt.Sprintf("判定引用了不存在的步骤 %d", d.Step))
		}
		if _, dup := seen[d.Step]; dup {
			continue
		}
		seen[d.Step] = struct{}{}
		retry = append(retry, d.Step)
	}
	sort.Ints(retry)

	needsRetry := len(retry) > 0
	finalOutput := out.FinalOutput
	if finalOutput == nil {
		finalOutput = map[string]any{}
	}
	verification := run.Verification{
		Verified:     out.Verified && !needsRetry,
		Summary:      strings.TrimSpace(out.Summary),
		NeedsRetry:   needsRetry,
		RetrySteps:   retry,
		FinalOutput:  finalOutput,
		Deficiencies: out.DeficientSteps,
	}
	logger.L().Debug("校验完成",
		slog.Bool("verified", verification.Verified),
		slog.Any("retry_steps", verification.RetrySteps),
	)
	return verification, nil
}

func fail(cause error, message string) error {
	return xerrors.Wrap(CodeVerification, cause, message)
}

func mustSchema() *llm.Schema {
	schema, err := llm.NewSchema(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"verified", "summary", "deficient_steps", "final_output"},
		Properties: map[string]*jsonschema.Schema{
			"verified": {Type: "boolean", Description: "True when the results fully satisfy the task."},
			"summary":  {Type: "string", Description: "One or two sentences describing the outcome."},
			"deficient_steps": {
				Type:        "array",
				Description: "Steps whose results are missing, failed or insufficient and must be re-run.",
				Items: &jsonschema.Schema{
					Type:     "object",
					Required: []string{"step", "reason"},
					Properties: map[string]*jsonschema.Schema{
						"step":   {Type: "integer"},
						"reason": {Type: "string"},
					},
				},
			},
			"final_output": {Type: "object", Description: "Successful outputs aggregated and keyed by tool id."},
		},
	})
	if err != nil {
		panic(err)
	}
	return schema
}

const systemPrompt = "You are a strict result verifier. Judge whether the executed steps satisfy the task. " +
	"Flag a step as deficient when it failed, returned an empty output, or returned data that does not answer its part of the task. " +
	"Only reference step numbers that appear in the results. Return JSON only."

type promptStep struct {
	Step        int            `json:"step"`
	Tool        string         `json:"tool"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input"`
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output"`
	Error       string         `json:"error,omitempty"`
}

func buildPrompt(task string, plan run.Plan, report run.Report) (string, error) {
	steps := make([]promptStep, 0, report.Len())
	for _, res := range report.Results {
		steps = append(steps, promptStep{
			Step:        res.Step.Index,
			Tool:        res.Step.Tool,
			Description: res.Step.Description,
			Input:       res.Step.Input,
			Success:     res.Success,
			Output:      res.Output,
			Error:       res.Error,
		})
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return "", err
	}
	resultsJSON, err := json.MarshalIndent(steps, "", "  ")
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	builder.WriteString("## Task\n")
	builder.WriteString(strings.TrimSpace(task))
	builder.WriteString("\n\n## Plan\n")
	builder.Write(planJSON)
	builder.WriteString("\n\n## Results\n")
	builder.Write(resultsJSON)
	builder.WriteString("\n\nAggregate every successful output into final_output keyed by tool id.")
	return builder.String(), nil
}
