package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	xerrors "OpenMCP-Nexus/internal/errors"
)

var fenced = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*(.*?)\\s*```")

// RepairJSON 从模型输出中提取 JSON：先去掉 markdown 代码块，再尝试整体解析，
// 最后截取最外层的大括号或方括号。
func RepairJSON(text string) (any, error) {
	text = strings.TrimSpace(text)
	if m := fenced.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	var out any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, nil
	}
	if candidate, ok := outermost(text); ok {
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return out, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeStructuredOutput, "")
}

func outermost(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return "", false
	}
	return text[start : end+1], true
}
