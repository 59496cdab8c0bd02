package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/intervention"
	"OpenMCP-Nexus/internal/llm"
	"OpenMCP-Nexus/internal/observability/alerting"
)

type stubLLM struct {
	resp *llm.Response
	err  error
	wait time.Duration
	last llm.Request
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type scriptedEscalator struct {
	mu      sync.Mutex
	answers []intervention.Resolution
	err     error
	calls   []map[string]any
}

func (s *scriptedEscalator) Request(_ context.Context, _ intervention.Type, _ string, metadata map[string]any) (intervention.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, metadata)
	if s.err != nil {
		return intervention.Resolution{}, s.err
	}
	if len(s.answers) == 0 {
		return intervention.Resolution{}, intervention.ErrTimeout
	}
	next := s.answers[0]
	s.answers = s.answers[1:]
	return next, nil
}

type memoryRecorder struct {
	reports []FailureReport
}

func (m *memoryRecorder) RecordFailure(_ context.Context, r FailureReport) error {
	m.reports = append(m.reports, r)
	return nil
}

// flaky fails until calls reaches succeedAt (zero means never).
type flaky struct {
	calls     int
	succeedAt int
	simplify  []bool
}

func (f *flaky) Run(_ context.Context, req Request, _ map[string]any) (*Result, error) {
	f.calls++
	f.simplify = append(f.simplify, req.Simplify)
	if f.succeedAt > 0 && f.calls >= f.succeedAt {
		return &Result{Success: true, Output: "ok"}, nil
	}
	return nil, errors.New("boom")
}

func TestRunnerRetriesWithSimplify(t *testing.T) {
	ag := &flaky{succeedAt: 3}
	res := NewRunner().Run(context.Background(), Invocation{Name: "f", Agent: ag})
	if !res.Success || res.Output != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if ag.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", ag.calls)
	}
	if ag.simplify[0] || !ag.simplify[1] || !ag.simplify[2] {
		t.Fatalf("unexpected simplify flags: %v", ag.simplify)
	}
	if res.Metrics == nil || res.Metrics.Attempt != 3 {
		t.Fatalf("unexpected metrics: %+v", res.Metrics)
	}
}

func TestRunnerEscalationRetryResetsAttempts(t *testing.T) {
	ag := &flaky{succeedAt: 4}
	esc := &scriptedEscalator{answers: []intervention.Resolution{{Value: "RETRY"}}}
	res := NewRunner(WithEscalator(esc)).Run(context.Background(), Invocation{
		Name:     "f",
		Agent:    ag,
		Request:  Request{IntentID: "i-1"},
		Snapshot: `{"recentSteps":[]}`,
	})
	if !res.Success {
		t.Fatalf("expected success after retry, got %+v", res)
	}
	if len(esc.calls) != 1 {
		t.Fatalf("expected one escalation, got %d", len(esc.calls))
	}
	meta := esc.calls[0]
	if meta["agent"] != "f" || meta["intentId"] != "i-1" || meta["lastError"] != "boom" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if ag.simplify[3] {
		t.Fatalf("first attempt after RETRY must not simplify")
	}
}

func TestRunnerEscalationSkipAndOverride(t *testing.T) {
	skip := NewRunner(WithEscalator(&scriptedEscalator{answers: []intervention.Resolution{{Value: "skip"}}})).
		Run(context.Background(), Invocation{Name: "f", Agent: &flaky{}})
	if skip.Success || !skip.Skipped {
		t.Fatalf("expected skipped result, got %+v", skip)
	}

	override := NewRunner(WithEscalator(&scriptedEscalator{answers: []intervention.Resolution{{Value: `{"answer":42}`}}})).
		Run(context.Background(), Invocation{Name: "f", Agent: &flaky{}})
	if !override.Success || override.Source != SourceOperatorOverride {
		t.Fatalf("expected override, got %+v", override)
	}
	out, ok := override.Output.(map[string]any)
	if !ok || out["answer"] != float64(42) {
		t.Fatalf("unexpected override output: %#v", override.Output)
	}
}

func TestRunnerTimeoutRecordsFailure(t *testing.T) {
	rec := &memoryRecorder{}
	res := NewRunner(WithEscalator(&scriptedEscalator{}), WithFailureRecorder(rec)).
		Run(context.Background(), Invocation{Name: "f", Agent: &flaky{}, Request: Request{IntentID: "i-9"}})
	if res.Success || res.Error != "fatal:boom" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(rec.reports) != 1 || rec.reports[0].IntentID != "i-9" || rec.reports[0].Attempts != DefaultMaxRetries {
		t.Fatalf("unexpected reports: %+v", rec.reports)
	}
}

type alertCapture struct {
	events []alerting.Event
}

func (a *alertCapture) Notify(_ context.Context, e alerting.Event) error {
	a.events = append(a.events, e)
	return nil
}

func TestRunnerAlertsOnEscalation(t *testing.T) {
	alerts := &alertCapture{}
	NewRunner(WithEscalator(&scriptedEscalator{}), WithAlerts(alerts)).
		Run(context.Background(), Invocation{Name: "f", Agent: &flaky{}, Request: Request{IntentID: "i-3"}})
	if len(alerts.events) != 2 {
		t.Fatalf("expected escalation and timeout alerts, got %+v", alerts.events)
	}
	first, second := alerts.events[0], alerts.events[1]
	if first.Code != xerrors.CodeEscalated || first.IntentID != "i-3" || first.Metadata["last_error"] != "boom" {
		t.Fatalf("unexpected escalation alert: %+v", first)
	}
	if second.Code != xerrors.CodeEscalated || second.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected timeout alert: %+v", second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quiet := &alertCapture{}
	NewRunner(WithEscalator(cancellingEscalator{cancel: cancel}), WithAlerts(quiet)).
		Run(ctx, Invocation{Name: "f", Agent: &flaky{}})
	if len(quiet.events) != 1 || quiet.events[0].Severity != xerrors.SeverityWarning {
		t.Fatalf("shutdown during escalation should only raise the escalation alert, got %+v", quiet.events)
	}
}

type cancellingEscalator struct {
	cancel context.CancelFunc
}

func (c cancellingEscalator) Request(context.Context, intervention.Type, string, map[string]any) (intervention.Resolution, error) {
	c.cancel()
	return intervention.Resolution{}, context.Canceled
}

func TestRunnerPolicyRejectionSkipsEscalation(t *testing.T) {
	esc := &scriptedEscalator{}
	calls := 0
	ag := Func(func(context.Context, Request, map[string]any) (*Result, error) {
		calls++
		return nil, xerrors.New(xerrors.CodePolicyRejected, "denied")
	})
	var outcomes []string
	res := NewRunner(WithEscalator(esc), WithObserver(func(_, outcome string, _ time.Duration) {
		outcomes = append(outcomes, outcome)
	})).Run(context.Background(), Invocation{Name: "p", Agent: ag})
	if res.Success || calls != 1 || len(esc.calls) != 0 {
		t.Fatalf("unexpected: res=%+v calls=%d escalations=%d", res, calls, len(esc.calls))
	}
	if strings.HasPrefix(res.Error, "fatal:") {
		t.Fatalf("policy rejection must not be reported as fatal: %s", res.Error)
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeRejected {
		t.Fatalf("unexpected outcomes: %v", outcomes)
	}
}

func TestRunnerRepairsStructuredOutput(t *testing.T) {
	client := &stubLLM{resp: &llm.Response{Text: "结果如下:\n```json\n{\"score\": 9}\n```"}}
	ag := NewPromptAgent("scorer", client, WithStructured(true))
	res := NewRunner().Run(context.Background(), Invocation{Name: "scorer", Agent: ag, Request: Request{Description: "打分"}})
	if !res.Success {
		t.Fatalf("unexpected failure: %+v", res)
	}
	out, ok := res.Output.(map[string]any)
	if !ok || out["score"] != float64(9) {
		t.Fatalf("unexpected output: %#v", res.Output)
	}
	if !client.last.JSON {
		t.Fatalf("structured agent must request JSON mode")
	}
}

func TestRunnerMalformedStructuredOutputIsRetried(t *testing.T) {
	client := &stubLLM{resp: &llm.Response{Text: "no json here"}}
	ag := NewPromptAgent("scorer", client, WithStructured(true))
	res := NewRunner().Run(context.Background(), Invocation{Name: "scorer", Agent: ag, Request: Request{Description: "打分"}})
	if res.Success || !strings.HasPrefix(res.Error, "fatal:") {
		t.Fatalf("expected fatal failure, got %+v", res)
	}
}

func TestRunnerRecoversPanics(t *testing.T) {
	ag := Func(func(context.Context, Request, map[string]any) (*Result, error) {
		panic("kaput")
	})
	res := NewRunner(WithMaxRetries(1)).Run(context.Background(), Invocation{Name: "x", Agent: ag})
	if res.Success || !strings.Contains(res.Error, "kaput") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPromptAgentTimeout(t *testing.T) {
	ag := NewPromptAgent("slow", &stubLLM{wait: 50 * time.Millisecond}, WithLLMTimeout(10*time.Millisecond))
	_, err := ag.Run(context.Background(), Request{Description: "测试"}, nil)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout code, got %s", xerrors.CodeOf(err))
	}
}

func TestPromptAgentRendersTemplate(t *testing.T) {
	client := &stubLLM{resp: &llm.Response{Text: "done"}}
	ag := NewPromptAgent("writer", client, WithTemplate("写一段关于 {{inputs.topic}} 的介绍"))
	_, err := ag.Run(context.Background(), Request{Inputs: map[string]any{"topic": "Go"}, Simplify: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(client.last.Prompt, "写一段关于 Go 的介绍") || !strings.Contains(client.last.Prompt, simplifyHint) {
		t.Fatalf("unexpected prompt: %q", client.last.Prompt)
	}
}

type countingSynth struct{ calls int }

func (c *countingSynth) Synthesize(_ context.Context, name string) (Agent, error) {
	c.calls++
	if name == "unknowable" {
		return nil, errors.New("no idea")
	}
	return Echo{}, nil
}

func TestRegistryResolveFallbacks(t *testing.T) {
	synth := &countingSynth{}
	reg := NewRegistry("echo", WithSynthesizer(synth))
	if v := reg.Register("echo", Echo{}); v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	if _, name := reg.Resolve(context.Background(), ""); name != "echo" {
		t.Fatalf("empty name should resolve to default, got %q", name)
	}
	if _, name := reg.Resolve(context.Background(), "poet"); name != "poet" {
		t.Fatalf("expected synthesized agent, got %q", name)
	}
	if reg.Version() != 1 || len(reg.Names()) != 1 {
		t.Fatalf("synthesized agents must not change the registry, version %d names %v", reg.Version(), reg.Names())
	}
	if _, name := reg.Resolve(context.Background(), "poet"); name != "poet" || synth.calls != 1 {
		t.Fatalf("second resolve should hit the synthesis cache, calls=%d", synth.calls)
	}
	if _, name := reg.Resolve(context.Background(), "unknowable"); name != "echo" {
		t.Fatalf("failed synthesis should fall back, got %q", name)
	}
	if !reg.Unregister("echo") || reg.Unregister("echo") {
		t.Fatalf("unexpected unregister behaviour")
	}
}

func TestRegistrySynthesizedAgentsAreBounded(t *testing.T) {
	synth := &countingSynth{}
	reg := NewRegistry("echo", WithSynthesizer(synth), WithSynthesizedLimit(2))
	for _, name := range []string{"a", "b", "c"} {
		reg.Resolve(context.Background(), name)
	}
	if synth.calls != 3 {
		t.Fatalf("expected 3 syntheses, got %d", synth.calls)
	}
	reg.Resolve(context.Background(), "c")
	if synth.calls != 3 {
		t.Fatalf("recent name should stay cached, calls=%d", synth.calls)
	}
	reg.Resolve(context.Background(), "a")
	if synth.calls != 4 {
		t.Fatalf("evicted name should be synthesized again, calls=%d", synth.calls)
	}
}

func TestRegistrySnapshotsAreIsolated(t *testing.T) {
	reg := NewRegistry("echo")
	reg.Register("a", Echo{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Lookup("a")
				reg.Names()
			}
		}()
	}
	for j := 0; j < 50; j++ {
		reg.Register("b", Echo{})
	}
	wg.Wait()
	if got := reg.Names(); len(got) != 2 {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestManifestPopulate(t *testing.T) {
	raw := []byte(`
defaults:
  deniedActions: [transfer]
agents:
  writer:
    kind: prompt
    template: "写作: {{description}}"
    llm_timeout: 2s
  mirror:
    kind: echo
    policy:
      allowedActions: [reflect]
  retired:
    enabled: false
`)
	m, err := ParseManifest(raw)
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if m.Agents["writer"].LLMTimeout != 2*time.Second {
		t.Fatalf("unexpected timeout: %v", m.Agents["writer"].LLMTimeout)
	}
	reg := NewRegistry("echo")
	names := m.Populate(reg, llm.Static{Text: "x"})
	if strings.Join(names, ",") != "mirror,writer" {
		t.Fatalf("unexpected names: %v", names)
	}

	mirror, _ := reg.Lookup("mirror")
	if _, err := mirror.Run(context.Background(), Request{Action: "reflect"}, nil); err != nil {
		t.Fatalf("allowed action rejected: %v", err)
	}
	_, err = mirror.Run(context.Background(), Request{Action: "transfer"}, nil)
	if !xerrors.HasCode(err, xerrors.CodePolicyRejected) {
		t.Fatalf("expected policy rejection, got %v", err)
	}

	writer, _ := reg.Lookup("writer")
	if _, err := writer.Run(context.Background(), Request{Action: "transfer", Description: "x"}, nil); !xerrors.HasCode(err, xerrors.CodePolicyRejected) {
		t.Fatalf("default policy should deny transfer, got %v", err)
	}
}

func TestManifestRejectsUnknownKind(t *testing.T) {
	if _, err := ParseManifest([]byte("agents:\n  x:\n    kind: wasm\n")); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRepairJSON(t *testing.T) {
	cases := map[string]any{
		`{"a":1}`:                 map[string]any{"a": float64(1)},
		"```\n[1,2]\n```":         []any{float64(1), float64(2)},
		`prefix {"a":{"b":2}} ok`: map[string]any{"a": map[string]any{"b": float64(2)}},
	}
	for in, want := range cases {
		got, err := RepairJSON(in)
		if err != nil {
			t.Fatalf("repair %q: %v", in, err)
		}
		if !equalJSON(got, want) {
			t.Fatalf("repair %q: got %#v", in, got)
		}
	}
	if _, err := RepairJSON("nothing"); !xerrors.HasCode(err, xerrors.CodeStructuredOutput) {
		t.Fatalf("expected structured output error, got %v", err)
	}
}

func equalJSON(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k := range av {
			if !equalJSON(av[k], bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
