package workflow

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Scope 是按点分路径取值的只读视图。路径段只按键名或数组下标匹配。
type Scope struct {
	raw []byte
}

// NewScope 把取值根编码为 JSON，无法编码的值视为空。
func NewScope(root any) Scope {
	raw, err := json.Marshal(root)
	if err != nil || len(raw) == 0 || raw[0] != '{' {
		raw = []byte("{}")
	}
	return Scope{raw: raw}
}

// Lookup 返回路径对应的值，路径不存在时 ok 为 false。
func (s Scope) Lookup(path string) (any, bool) {
	r := s.result(path)
	if !r.Exists() {
		return nil, false
	}
	return r.Value(), true
}

func (s Scope) result(path string) gjson.Result {
	path = strings.TrimSpace(path)
	if path == "" {
		return gjson.Result{}
	}
	return gjson.GetBytes(s.raw, escapePath(path))
}

// escapePath 逐段转义，使通配符与修饰符按字面键名匹配。
func escapePath(path string) string {
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		segments[i] = gjson.Escape(strings.TrimSpace(seg))
	}
	return strings.Join(segments, ".")
}

// Render 把字符串中的 {{path}} 替换为取值结果，无法解析的占位符原样保留。
func (s Scope) Render(text string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholder.ReplaceAllStringFunc(text, func(match string) string {
		path := placeholder.FindStringSubmatch(match)[1]
		r := s.result(path)
		if !r.Exists() {
			return match
		}
		if r.Type == gjson.Null {
			return "null"
		}
		return r.String()
	})
}

// ResolveTemplate 使用 root 渲染单个字符串。
func ResolveTemplate(text string, root map[string]any) string {
	return NewScope(root).Render(text)
}

// ResolveParams 递归渲染参数。字符串恰好是一个占位符时替换为原始值
// 而不是其字符串形式。
func ResolveParams(params map[string]any, root map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	scope := NewScope(root)
	out, _ := scope.resolveValue(params).(map[string]any)
	return out
}

func (s Scope) resolveValue(v any) any {
	switch val := v.(type) {
	case string:
		if m := placeholder.FindStringSubmatchIndex(val); m != nil && m[0] == 0 && m[1] == len(val) {
			if raw, ok := s.Lookup(val[m[2]:m[3]]); ok {
				return raw
			}
			return val
		}
		return s.Render(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.resolveValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.resolveValue(item)
		}
		return out
	default:
		return v
	}
}
