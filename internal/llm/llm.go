package llm

import (
	"context"
	"encoding/json"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// CodeGeneration 表示结构化生成失败。
const CodeGeneration xerrors.Code = "GENERATION_FAILURE"

// ErrGeneration 用于 errors.Is 判断生成失败。
var ErrGeneration = xerrors.New(CodeGeneration, "generation failed")

func init() {
	xerrors.Register(CodeGeneration, xerrors.Attributes{
		Message:  "generation failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Request 描述一次结构化生成调用。
type Request struct {
	// Name 标识调用阶段，例如 plan 或 verify，仅用于日志与指标。
	Name   string
	System string
	Prompt string
	Schema *Schema
}

// Generator 是结构化生成能力的统一接口。
type Generator interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

// GeneratorFunc 将函数适配为 Generator。
type GeneratorFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Generate 实现 Generator。
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Failure 将任意错误包装为生成失败。
func Failure(cause error, message string) error {
	if cause != nil && xerrors.HasCode(cause, CodeGeneration) {
		return cause
	}
	return xerrors.Wrap(CodeGeneration, cause, message)
}

// Observer 接收每次生成调用的耗时与结果。
type Observer func(name string, elapsed time.Duration, err error)

type instrumented struct {
	next    Generator
	observe Observer
}

// Instrument 为 Generator 增加耗时观测。
func Instrument(next Generator, observe Observer) Generator {
	if observe == nil {
		return next
	}
	return &instrumented{next: next, observe: observe}
}

func (g *instrumented) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	started := time.Now()
	raw, err := g.next.Generate(ctx, req)
	g.observe(req.Name, time.Since(started), err)
	return raw, err
}
