package tool

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// Registry 维护工具标识到实现的映射，启动后以读为主。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建注册表并登记给定工具。
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 登记一个工具，标识为空或重复时报错。
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具不能为空")
	}
	contract := t.Contract()
	id := strings.TrimSpace(contract.ID)
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具标识不能为空")
	}
	for _, p := range contract.Params {
		if p.Name == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 存在未命名的参数", id))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tools == nil {
		r.tools = make(map[string]Tool)
	}
	if _, exists := r.tools[id]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", id))
	}
	r.tools[id] = t
	return nil
}

// MustRegister 登记工具，失败时 panic，仅用于启动阶段。
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Resolve 返回工具实现，未登记时返回 ErrUnknownTool。
func (r *Registry) Resolve(id string) (Tool, error) {
	r.mu.RLock()
	t, ok := r.tools[id]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.Wrap(CodeUnknownTool, nil, fmt.Sprintf("未知工具: %q", id), xerrors.WithMetadata("tool", id))
	}
	return t, nil
}

// IDs 返回全部工具标识（字典序）。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Contracts 返回全部工具契约，顺序与 IDs 一致。
func (r *Registry) Contracts() []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Contract, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Contract())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len 返回已登记的工具数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
