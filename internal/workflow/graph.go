package workflow

import (
	"fmt"

	xerrors "OpenMCP-Nexus/internal/errors"
)

// NodeType 是图节点的类型标识，取值与序列化格式一致。
type NodeType string

const (
	NodeStart            NodeType = "START"
	NodeHTTPRequest      NodeType = "HTTP_REQUEST"
	NodeAgentPrompt      NodeType = "AGENT_PROMPT"
	NodeCodeExec         NodeType = "CODE_EXEC"
	NodeDelay            NodeType = "DELAY"
	NodeDecision         NodeType = "DECISION"
	NodeTriggerBlueprint NodeType = "TRIGGER_BLUEPRINT"
	NodeSwarm            NodeType = "SWARM"
)

// Node 是图中的一个步骤。
type Node struct {
	ID         string         `json:"id" yaml:"id"`
	Type       NodeType       `json:"type" yaml:"type"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Edge 连接两个节点。Condition 为空表示无条件边。
type Edge struct {
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Graph 是一份可执行的工作流定义。
type Graph struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Validate 检查图的结构：唯一的 START、节点 ID 不重复、边引用存在的节点、
// 条件表达式可以编译。编译结果被缓存，执行时不再重复编译。
func (g *Graph) Validate() error {
	if g == nil {
		return xerrors.New(xerrors.CodeGraphInvalid, "工作流为空")
	}
	ids := make(map[string]struct{}, len(g.Nodes))
	starts := 0
	for _, n := range g.Nodes {
		if n.ID == "" {
			return xerrors.New(xerrors.CodeGraphInvalid, "节点缺少 id")
		}
		if _, dup := ids[n.ID]; dup {
			return xerrors.Newf(xerrors.CodeGraphInvalid, "节点 id %q 重复", n.ID)
		}
		ids[n.ID] = struct{}{}
		if n.Type == NodeStart {
			starts++
		}
	}
	switch {
	case starts == 0:
		return xerrors.New(xerrors.CodeGraphInvalid, "工作流缺少 START 节点")
	case starts > 1:
		return xerrors.Newf(xerrors.CodeGraphInvalid, "工作流包含 %d 个 START 节点", starts)
	}
	for i, e := range g.Edges {
		if _, ok := ids[e.Source]; !ok {
			return xerrors.Newf(xerrors.CodeGraphInvalid, "edges[%d] 引用了不存在的源节点 %q", i, e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			return xerrors.Newf(xerrors.CodeGraphInvalid, "edges[%d] 引用了不存在的目标节点 %q", i, e.Target)
		}
		if e.Condition != "" {
			if _, err := ParseCondition(e.Condition); err != nil {
				return xerrors.Wrap(xerrors.CodeGraphInvalid, err, fmt.Sprintf("edges[%d] 条件无法解析", i))
			}
		}
	}
	return nil
}

// Start 返回 START 节点。
func (g *Graph) Start() (Node, bool) {
	for _, n := range g.Nodes {
		if n.Type == NodeStart {
			return n, true
		}
	}
	return Node{}, false
}

// Node 按 ID 查找节点。
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing 按声明顺序返回从 id 出发的边。
func (g *Graph) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}
