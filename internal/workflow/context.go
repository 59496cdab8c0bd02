package workflow

import (
	"encoding/json"
	"time"
)

// HistoryEntry 记录某一步的结果。
type HistoryEntry struct {
	Step      string    `json:"step"`
	Result    any       `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionContext 是单次执行的可变状态，只属于一个执行过程。
type ExecutionContext struct {
	IntentID   string         `json:"intentId,omitempty"`
	Results    map[string]any `json:"results"`
	LastResult any            `json:"lastResult,omitempty"`
	History    []HistoryEntry `json:"history,omitempty"`
	State      map[string]any `json:"state,omitempty"`
	// Depth 是意图链的递归深度，TRIGGER_BLUEPRINT 产生的新意图深度加一。
	Depth int `json:"depth,omitempty"`
}

// NewExecutionContext 用初始输入创建上下文。
func NewExecutionContext(intentID string, state map[string]any, depth int) *ExecutionContext {
	if state == nil {
		state = map[string]any{}
	}
	return &ExecutionContext{
		IntentID: intentID,
		Results:  map[string]any{},
		State:    state,
		Depth:    depth,
	}
}

// Record 保存节点结果并追加历史。
func (c *ExecutionContext) Record(nodeID string, result any, at time.Time) {
	if c.Results == nil {
		c.Results = map[string]any{}
	}
	c.Results[nodeID] = result
	c.LastResult = result
	c.History = append(c.History, HistoryEntry{Step: nodeID, Result: result, Timestamp: at})
}

// AsMap 返回模板与条件使用的取值根：初始输入与节点结果平铺在顶层，
// 同时保留 input、results、lastResult 三个固定入口。
func (c *ExecutionContext) AsMap() map[string]any {
	root := make(map[string]any, len(c.State)+len(c.Results)+3)
	for k, v := range c.State {
		root[k] = v
	}
	for k, v := range c.Results {
		root[k] = v
	}
	root["input"] = c.State
	root["results"] = c.Results
	root["lastResult"] = c.LastResult
	return root
}

// Snapshot 返回压缩后的上下文摘要，供人工介入时展示。超过 maxBytes 时
// 截断，并附上最近三步的节点 ID。
func (c *ExecutionContext) Snapshot(maxBytes int) string {
	if maxBytes < 16 {
		maxBytes = 4096
	}
	view := map[string]any{"state": c.State, "lastResult": c.LastResult}
	raw, err := json.Marshal(view)
	if err != nil {
		return "{}"
	}
	if len(raw) > maxBytes {
		raw = append(raw[:maxBytes-3:maxBytes-3], "..."...)
	}
	recent := c.History
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	steps := make([]string, 0, len(recent))
	for _, h := range recent {
		steps = append(steps, h.Step)
	}
	summary, err := json.Marshal(map[string]any{"context": string(raw), "recentSteps": steps})
	if err != nil {
		return string(raw)
	}
	return string(summary)
}
