package agent

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/llm"
)

// LLMSynthesizer 为未知名称构造一个通用的提示词处理器，角色由名称决定。
type LLMSynthesizer struct {
	Client llm.Client
	// Options 附加到每个合成出的处理器。
	Options []PromptOption
}

// Synthesize 实现 Synthesizer。
func (s LLMSynthesizer) Synthesize(ctx context.Context, name string) (Agent, error) {
	if s.Client == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "未配置大模型客户端")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	role := strings.TrimSpace(name)
	if role == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "处理器名称不能为空")
	}
	opts := append([]PromptOption{
		WithSystemPrompt(fmt.Sprintf("你是名为 %s 的专职助手，请仅完成该角色范围内的任务。", role)),
	}, s.Options...)
	return NewPromptAgent(role, s.Client, opts...), nil
}

var _ Synthesizer = LLMSynthesizer{}
