package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/llm"
)

// Manifest describes the agents registered at startup.
type Manifest struct {
	Defaults Policy                 `yaml:"defaults"`
	Agents   map[string]AgentConfig `yaml:"agents"`
}

// AgentConfig is the configuration block for a single agent.
type AgentConfig struct {
	Kind        string        `yaml:"kind"`
	Enabled     *bool         `yaml:"enabled"`
	System      string        `yaml:"system"`
	Template    string        `yaml:"template"`
	Structured  bool          `yaml:"structured"`
	Temperature float64       `yaml:"temperature"`
	LLMTimeout  time.Duration `yaml:"llm_timeout"`
	Policy      *Policy       `yaml:"policy"`
}

// Agent kinds understood by Populate.
const (
	KindPrompt = "prompt"
	KindEcho   = "echo"
)

// Policy governs which actions an agent may perform.
type Policy struct {
	AllowedActions []string `yaml:"allowedActions"`
	DeniedActions  []string `yaml:"deniedActions"`
}

// Merge returns a new policy using values from other when not present.
func (p Policy) Merge(other Policy) Policy {
	if len(p.AllowedActions) == 0 {
		p.AllowedActions = other.AllowedActions
	}
	if len(p.DeniedActions) == 0 {
		p.DeniedActions = other.DeniedActions
	}
	return p
}

// Check rejects actions that are denied or outside the allow list.
// An empty action is always permitted.
func (p Policy) Check(action string) error {
	if action == "" {
		return nil
	}
	if slices.Contains(p.DeniedActions, action) {
		return xerrors.New(xerrors.CodePolicyRejected, fmt.Sprintf("action %s is explicitly denied", action))
	}
	if len(p.AllowedActions) > 0 && !slices.Contains(p.AllowedActions, action) {
		return xerrors.New(xerrors.CodePolicyRejected, fmt.Sprintf("action %s not permitted", action))
	}
	return nil
}

// LoadManifest reads a YAML file into a Manifest.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	if path == "" {
		return m, errors.New("manifest path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read agent manifest: %w", err)
	}
	return ParseManifest(raw)
}

// ParseManifest decodes manifest YAML and validates it.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("unmarshal agent manifest: %w", err)
	}
	if m.Agents == nil {
		m.Agents = map[string]AgentConfig{}
	}
	return m, m.Validate()
}

// Validate ensures the manifest is internally consistent.
func (m Manifest) Validate() error {
	for name, cfg := range m.Agents {
		if name == "" {
			return errors.New("agent name cannot be empty")
		}
		switch cfg.Kind {
		case "", KindPrompt, KindEcho:
		default:
			return fmt.Errorf("agent %s has unknown kind %q", name, cfg.Kind)
		}
	}
	return nil
}

// Populate registers every enabled agent with the registry and returns the
// registered names.
func (m Manifest) Populate(reg *Registry, client llm.Client) []string {
	var names []string
	for name, cfg := range m.Agents {
		if cfg.Enabled != nil && !*cfg.Enabled {
			continue
		}
		policy := m.Defaults
		if cfg.Policy != nil {
			policy = cfg.Policy.Merge(m.Defaults)
		}
		switch cfg.Kind {
		case KindEcho:
			reg.Register(name, guarded{Agent: Echo{}, policy: policy})
		default:
			reg.Register(name, NewPromptAgent(name, client,
				WithSystemPrompt(cfg.System),
				WithTemplate(cfg.Template),
				WithStructured(cfg.Structured),
				WithTemperature(cfg.Temperature),
				WithLLMTimeout(cfg.LLMTimeout),
				WithPolicy(policy),
			))
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// guarded applies a policy in front of an arbitrary agent.
type guarded struct {
	Agent
	policy Policy
}

func (g guarded) Run(ctx context.Context, req Request, state map[string]any) (*Result, error) {
	if err := g.policy.Check(req.Action); err != nil {
		return nil, err
	}
	return g.Agent.Run(ctx, req, state)
}
