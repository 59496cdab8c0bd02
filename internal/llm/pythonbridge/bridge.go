package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。脚本从 stdin 读取
// {"system","prompt","json"}，向 stdout 输出 {"text"} 或纯文本。
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
		scriptPath: ResolveScriptPath(workingDir, scriptPath),
		workingDir: workingDir,
	}, nil
}

// Generate 调用外部脚本，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(map[string]any{
		"system": req.System,
		"prompt": req.Prompt,
		"json":   req.JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
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
		return nil, xerrors.Wrap(xerrors.CodeAgentTransient, err,
			fmt.Sprintf("执行 Python 脚本失败, stderr=%s", strings.TrimSpace(stderr.String())))
	}
	return parseOutput(stdout.Bytes()), nil
}

func parseOutput(out []byte) *llm.Response {
	trimmed := bytes.TrimSpace(out)
	var resp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(trimmed, &resp); err == nil && resp.Text != "" {
		return &llm.Response{Text: resp.Text, Model: "python_bridge"}
	}
	return &llm.Response{Text: string(trimmed), Model: "python_bridge"}
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Client = (*Client)(nil)
