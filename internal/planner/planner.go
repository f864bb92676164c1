package planner

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/llm"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/internal/tool"
	"OpenMCP-Orchestrator/pkg/logger"
)

// CodePlanning 表示规划阶段失败。
const CodePlanning xerrors.Code = "PLANNING_FAILURE"

// ErrPlanning 用于 errors.Is 判断规划失败。
var ErrPlanning = xerrors.New(CodePlanning, "planning failed")

func init() {
	xerrors.Register(CodePlanning, xerrors.Attributes{
		Message:  "planning failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxSteps = 8
)

// Catalog 是规划器所需的工具目录能力，*tool.Registry 满足该接口。
type Catalog interface {
	Contracts() []tool.Contract
	Resolve(id string) (tool.Tool, error)
}

// Planner 调用生成能力把任务拆解为计划。
type Planner struct {
	generator llm.Generator
	catalog   Catalog
	timeout   time.Duration
	maxSteps  int
}

// Option 定义可选配置。
type Option func(*Planner)

// WithTimeout 设置单次生成调用的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(p *Planner) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithMaxSteps 限制计划的最大步骤数。
func WithMaxSteps(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxSteps = n
		}
	}
}

// New 构造规划器。
func New(generator llm.Generator, catalog Catalog, opts ...Option) *Planner {
	p := &Planner{
		generator: generator,
		catalog:   catalog,
		timeout:   defaultTimeout,
		maxSteps:  defaultMaxSteps,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

type draft struct {
	Steps []struct {
		Tool        string         `json:"tool"`
		Input       map[string]any `json:"input"`
		Description string         `json:"description"`
	} `json:"steps"`
}

// Plan 生成并校验计划。除一次生成调用外没有其他副作用。
func (p *Planner) Plan(ctx context.Context, task string) (run.Plan, error) {
	if p == nil || p.generator == nil || p.catalog == nil {
		return run.Plan{}, xerrors.New(xerrors.CodeInitializationFailure, "规划器未初始化")
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return run.Plan{}, xerrors.New(xerrors.CodeInvalidArgument, "任务不能为空")
	}

	contracts := p.catalog.Contracts()
	if len(contracts) == 0 {
		return run.Plan{}, fail(nil, "没有可用的工具")
	}
	schema, err := planSchema(contracts, p.maxSteps)
	if err != nil {
		return run.Plan{}, fail(err, "构造计划 schema 失败")
	}
	prompt, err := buildPrompt(task, contracts)
	if err != nil {
		return run.Plan{}, fail(err, "构造提示词失败")
	}

	genCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// 调用生成能力获得计划草稿。
	raw, err := p.generator.Generate(genCtx, llm.Request{
		Name:   "plan",
		System: systemPrompt,
		Prompt: prompt,
		Schema: schema,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(genCtx.Err(), context.DeadlineExceeded) {
			return run.Plan{}, fail(xerrors.Wrap(xerrors.CodeTimeout, err, "生成计划超时"), "生成计划超时")
		}
		return run.Plan{}, fail(err, "生成计划失败")
	}

	var out draft
	if err := llm.Decode(raw, schema, &out); err != nil {
		if unknown := p.unknownTool(raw); unknown != nil {
			return run.Plan{}, fail(unknown, "计划引用了未知工具")
		}
		return run.Plan{}, fail(err, "计划不符合 schema")
	}

	if len(out.Steps) == 0 {
		return run.Plan{}, fail(nil, "计划为空")
	}
	if len(out.Steps) > p.maxSteps {
		return run.Plan{}, fail(nil, fmt.Sprintf("计划步骤数 %d 超过上限 %d", len(out.Steps), p.maxSteps))
	}

	steps := make([]run.Step, 0, len(out.Steps))
	for i, s := range out.Steps {
		t, err := p.catalog.Resolve(s.Tool)
		if err != nil {
			return run.Plan{}, fail(err, fmt.Sprintf("第 %d 步引用了未知工具", i+1))
		}
		if missing := tool.MissingRequired(t.Contract(), s.Input); len(missing) > 0 {
			return run.Plan{}, fail(nil, fmt.Sprintf("第 %d 步 %s 缺少参数: %s", i+1, s.Tool, strings.Join(missing, ", ")))
		}
		input := s.Input
		if input == nil {
			input = map[string]any{}
		}
		steps = append(steps, run.Step{Tool: s.Tool, Input: input, Description: strings.TrimSpace(s.Description)})
	}

	plan := run.NewPlan(steps...)
	logger.L().Debug("计划生成完成",
		slog.Int("steps", plan.Len()),
		slog.String("task", task),
	)
	return plan, nil
}

// unknownTool 在 schema 校验失败时宽松解析草稿，定位未登记的工具标识。
func (p *Planner) unknownTool(raw []byte) error {
	body, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil
	}
	var loose struct {
		Steps []struct {
			Tool string `json:"tool"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(body, &loose); err != nil {
		return nil
	}
	for _, s := range loose.Steps {
		if _, err := p.catalog.Resolve(s.Tool); err != nil {
			return err
		}
	}
	return nil
}

func fail(cause error, message string) error {
	return xerrors.Wrap(CodePlanning, cause, message)
}

func planSchema(contracts []tool.Contract, maxSteps int) (*llm.Schema, error) {
	ids := make([]any, 0, len(contracts))
	for _, c := range contracts {
		ids = append(ids, c.ID)
	}
	return llm.NewSchema(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"steps"},
		Properties: map[string]*jsonschema.Schema{
			"steps": {
				Type:        "array",
				Description: "Ordered tool invocations that together satisfy the task.",
				MaxItems:    &maxSteps,
				Items: &jsonschema.Schema{
					Type:     "object",
					Required: []string{"tool", "input", "description"},
					Properties: map[string]*jsonschema.Schema{
						"tool":        {Type: "string", Enum: ids},
						"input":       {Type: "object"},
						"description": {Type: "string"},
					},
				},
			},
		},
	})
}

const systemPrompt = "You are a planning engine. Convert the user's task into an ordered list of tool invocations. " +
	"Use only the listed tools and only their declared parameters. " +
	"Each step must be independent of other steps' outputs. Return JSON only, without explanations."

func buildPrompt(task string, contracts []tool.Contract) (string, error) {
	catalog, err := json.MarshalIndent(contracts, "", "  ")
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	builder.WriteString("## Available tools\n")
	builder.Write(catalog)
	builder.WriteString("\n\n## Output format\n")
	builder.WriteString(`{"steps": [{"tool": "<tool id>", "input": {<parameters>}, "description": "<why this step>"}]}`)
	builder.WriteString("\n\n## Task\n")
	builder.WriteString(task)
	return builder.String(), nil
}
