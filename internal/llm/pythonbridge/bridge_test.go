package pythonbridge

import "testing"

func TestParseOutput(t *testing.T) {
	if got := parseOutput([]byte(`{"text":"hello"}`)); got.Text != "hello" {
		t.Fatalf("unexpected text %q", got.Text)
	}
	if got := parseOutput([]byte("  plain reply \n")); got.Text != "plain reply" {
		t.Fatalf("unexpected text %q", got.Text)
	}
	// JSON without a text field is returned verbatim so callers can repair it.
	if got := parseOutput([]byte(`{"status":"ok"}`)); got.Text != `{"status":"ok"}` {
		t.Fatalf("unexpected text %q", got.Text)
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "bridge.py"); got != "/srv/bridge.py" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := ResolveScriptPath("/srv", "/opt/bridge.py"); got != "/opt/bridge.py" {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestNewClientRequiresScript(t *testing.T) {
	if _, err := NewClient("", "", ""); err == nil {
		t.Fatalf("expected error without script")
	}
}
