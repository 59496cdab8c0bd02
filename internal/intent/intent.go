package intent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Nexus/internal/errors"
)

// Origin 标记意图的来源通道。
type Origin string

const (
	OriginUI            Origin = "ui"
	OriginAPI           Origin = "api"
	OriginScheduler     Origin = "scheduler"
	OriginInternalChain Origin = "internal-chain"
	OriginOther         Origin = "other"
)

// 优先级的合法范围。
const (
	MinPriority = -1000
	MaxPriority = 1000
)

// ParseOrigin 将任意字符串规范化为已知来源，未知值归为 other。
func ParseOrigin(raw string) Origin {
	switch o := Origin(strings.ToLower(strings.TrimSpace(raw))); o {
	case OriginUI, OriginAPI, OriginScheduler, OriginInternalChain:
		return o
	default:
		return OriginOther
	}
}

// Intent 是一次需要编排执行的工作单元。入队后视为不可变。
type Intent struct {
	ID          string         `json:"id"`
	Origin      Origin         `json:"origin"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority"`
	UserID      string         `json:"userId,omitempty"`
	Depth       int            `json:"depth,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
	Seq         uint64         `json:"seq"`
}

// Normalize 填充缺省字段：ID、来源与入队时间。
func (i *Intent) Normalize(now time.Time) {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	i.Origin = ParseOrigin(string(i.Origin))
	i.Description = strings.TrimSpace(i.Description)
	if i.EnqueuedAt.IsZero() {
		i.EnqueuedAt = now.UTC()
	}
}

// Validate 检查意图是否可以入队。
func (i Intent) Validate() error {
	if i.Description == "" && len(i.Payload) == 0 {
		return xerrors.New(xerrors.CodeIntentValidation, "意图描述与负载不能同时为空")
	}
	if i.Priority < MinPriority || i.Priority > MaxPriority {
		return xerrors.Newf(xerrors.CodeIntentValidation, "优先级 %d 超出范围 [%d, %d]", i.Priority, MinPriority, MaxPriority)
	}
	return nil
}

// Clone 返回意图的深拷贝，负载经过 JSON 往返以切断共享引用。
func (i Intent) Clone() Intent {
	i.Payload = clonePayload(i.Payload)
	return i
}

func clonePayload(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		out := make(map[string]any, len(src))
		for k, v := range src {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return src
	}
	return out
}

// Str 读取负载中的字符串字段。
func (i Intent) Str(key string) string {
	if i.Payload == nil {
		return ""
	}
	if v, ok := i.Payload[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Action 返回负载中声明的动作名。
func (i Intent) Action() string { return i.Str("action") }

// Agent 返回负载中指定的处理器名。
func (i Intent) Agent() string { return i.Str("agent") }

// BlueprintID 返回负载中引用的蓝图。
func (i Intent) BlueprintID() string { return i.Str("blueprintId") }

// Inputs 返回负载中的 inputs 对象。
func (i Intent) Inputs() map[string]any {
	if i.Payload == nil {
		return nil
	}
	if v, ok := i.Payload["inputs"].(map[string]any); ok {
		return v
	}
	return nil
}
