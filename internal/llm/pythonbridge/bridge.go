package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"OpenMCP-Orchestrator/internal/llm"
)

// Client 通过调用 Python 脚本实现结构化生成。
// 脚本从 stdin 读取 {"name","system","prompt","schema"}，并向 stdout 输出一个 JSON 对象。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Generate 调用外部脚本，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	payload := map[string]any{
		"name":      req.Name,
		"system":    req.System,
		"prompt":    req.Prompt,
		"schema":    req.Schema.JSON(),
		"timestamp": time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, llm.Failure(err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, llm.Failure(fmt.Errorf("%v, stderr=%s", err, strings.TrimSpace(stderr.String())), "执行 Python 脚本失败")
	}

	raw, err := llm.ExtractJSON(stdout.Bytes())
	if err != nil {
		return nil, llm.Failure(err, "解析 Python 输出失败")
	}
	return raw, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
