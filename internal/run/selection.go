package run

import (
	"fmt"
	"sort"
	"strings"
)

// Selection 表示一轮执行需要运行的步骤子集。零值等价于 All()。
type Selection struct {
	only map[int]struct{}
}

// All 选择计划中的全部步骤。
func All() Selection { return Selection{} }

// Only 仅选择给定序号；重复序号会被去重。
func Only(indices ...int) Selection {
	set := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		set[idx] = struct{}{}
	}
	return Selection{only: set}
}

// IsAll 判断是否为全量选择。
func (s Selection) IsAll() bool { return s.only == nil }

// Includes 判断序号是否被选中。
func (s Selection) Includes(index int) bool {
	if s.only == nil {
		return true
	}
	_, ok := s.only[index]
	return ok
}

// Indices 返回被选中的序号（升序）；全量选择返回 nil。
func (s Selection) Indices() []int {
	if s.only == nil {
		return nil
	}
	out := make([]int, 0, len(s.only))
	for idx := range s.only {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func (s Selection) String() string {
	if s.only == nil {
		return "all"
	}
	parts := make([]string, 0, len(s.only))
	for _, idx := range s.Indices() {
		parts = append(parts, fmt.Sprint(idx))
	}
	return strings.Join(parts, ",")
}
