package llm

import (
	"context"
	"strings"
)

// Request 描述一次大模型调用。
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	// JSON 要求模型只输出 JSON 文本。
	JSON bool
}

// Response 是大模型返回的原始文本。
type Response struct {
	Text  string
	Model string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Static 总是返回固定文本，用于离线运行与测试。
type Static struct {
	Text string
}

// Generate 返回配置的文本；未配置时回显提示词。
func (s Static) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := s.Text
	if strings.TrimSpace(text) == "" {
		text = req.Prompt
	}
	return &Response{Text: text, Model: "static"}, nil
}

var _ Client = Static{}
