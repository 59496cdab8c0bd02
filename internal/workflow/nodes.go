package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenMCP-Nexus/internal/errors"
)

const maxHTTPBody = 1 << 20

// AgentCall 是一次处理器调用的参数。
type AgentCall struct {
	Agent  string         `json:"agent"`
	Prompt string         `json:"prompt,omitempty"`
	Action string         `json:"action,omitempty"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// AgentInvoker 通过执行约定调用处理器，返回处理器结果。
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, call AgentCall, ec *ExecutionContext) (any, error)
}

// ChainRequest 描述由 TRIGGER_BLUEPRINT 发起的新意图。
type ChainRequest struct {
	BlueprintID string
	Inputs      map[string]any
	ParentID    string
	Depth       int
}

// Chainer 把新意图投递到调度队列，不等待其执行。
type Chainer interface {
	Chain(ctx context.Context, req ChainRequest) (string, error)
}

// SwarmRunner 分批并发执行一组调用，返回与输入顺序一致的结果。
type SwarmRunner interface {
	RunSwarm(ctx context.Context, calls []AgentCall, batchSize int, ec *ExecutionContext) ([]any, error)
}

func (e *Executor) registerBuiltins() {
	e.handlers[NodeStart] = func(_ context.Context, _ Node, _ map[string]any, ec *ExecutionContext) (any, error) {
		return map[string]any{"status": "started", "input": ec.State}, nil
	}
	e.handlers[NodeDecision] = func(_ context.Context, _ Node, _ map[string]any, ec *ExecutionContext) (any, error) {
		return ec.LastResult, nil
	}
	e.handlers[NodeHTTPRequest] = e.httpRequest
	e.handlers[NodeAgentPrompt] = e.agentPrompt
	e.handlers[NodeCodeExec] = codeExec
	e.handlers[NodeDelay] = delay
	e.handlers[NodeTriggerBlueprint] = e.triggerBlueprint
	e.handlers[NodeSwarm] = e.swarmStage
}

func (e *Executor) httpRequest(ctx context.Context, node Node, params map[string]any, _ *ExecutionContext) (any, error) {
	url := str(params, "url")
	if url == "" {
		return nil, errors.New("HTTP_REQUEST 缺少 url")
	}
	method := strings.ToUpper(str(params, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	switch b := params["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
		contentType = "text/plain; charset=utf-8"
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("构建请求失败: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 %s 失败: %w", url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s 返回状态 %d", method, url, resp.StatusCode)
	}
	var decoded any
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &decoded) == nil {
		return decoded, nil
	}
	return string(raw), nil
}

func (e *Executor) agentPrompt(ctx context.Context, _ Node, params map[string]any, ec *ExecutionContext) (any, error) {
	if e.agents == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "未配置处理器调用方")
	}
	return e.agents.InvokeAgent(ctx, agentCall(params), ec)
}

func agentCall(params map[string]any) AgentCall {
	call := AgentCall{
		Agent:  str(params, "agent"),
		Prompt: str(params, "prompt"),
		Action: str(params, "action"),
	}
	if inputs, ok := params["inputs"].(map[string]any); ok {
		call.Inputs = inputs
	}
	return call
}

func codeExec(_ context.Context, _ Node, params map[string]any, ec *ExecutionContext) (any, error) {
	code := str(params, "code")
	if code == "" {
		return map[string]any{"error": "CODE_EXEC 缺少 code"}, nil
	}
	v, err := Eval(code, ec.AsMap())
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	return v, nil
}

func delay(ctx context.Context, _ Node, params map[string]any, _ *ExecutionContext) (any, error) {
	ms, ok := number(params["ms"])
	if !ok || ms < 0 {
		return nil, fmt.Errorf("DELAY 的 ms 参数无效: %v", params["ms"])
	}
	timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"waited": ms}, nil
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "等待被取消")
	}
}

func (e *Executor) triggerBlueprint(ctx context.Context, _ Node, params map[string]any, ec *ExecutionContext) (any, error) {
	target := str(params, "blueprintId")
	if target == "" {
		return nil, errors.New("TRIGGER_BLUEPRINT 缺少 blueprintId")
	}
	if e.chainer == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "未配置意图投递方")
	}
	inputs, _ := params["inputs"].(map[string]any)
	id, err := e.chainer.Chain(ctx, ChainRequest{
		BlueprintID: target,
		Inputs:      inputs,
		ParentID:    ec.IntentID,
		Depth:       ec.Depth + 1,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "chained", "target": target, "intentId": id}, nil
}

func (e *Executor) swarmStage(ctx context.Context, _ Node, params map[string]any, ec *ExecutionContext) (any, error) {
	if e.swarm == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "未配置并发执行方")
	}
	rawTasks, _ := params["tasks"].([]any)
	if len(rawTasks) == 0 {
		return nil, errors.New("SWARM 缺少 tasks")
	}
	calls := make([]AgentCall, 0, len(rawTasks))
	for i, raw := range rawTasks {
		task, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("SWARM tasks[%d] 不是对象", i)
		}
		calls = append(calls, agentCall(task))
	}
	batch, _ := number(params["batchSize"])
	results, err := e.swarm.RunSwarm(ctx, calls, int(batch), ec)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(results))
	copy(out, results)
	return out, nil
}

func str(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func number(v any) (float64, bool) {
	if n, ok := toNumber(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return n, err == nil
	}
	return 0, false
}
