package hook

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/danmuck/hookrelay/internal/testutil/testlog"
)

func TestDecodeEvent(t *testing.T) {
	testlog.Start(t)

	payload := `{
		"session_id": "s1",
		"event": "PreToolUse",
		"cwd": "/home/dev/project",
		"pid": 4242,
		"tool": "Bash",
		"tool_input": {"command": "go vet ./...", "timeout": 30},
		"tool_use_id": "tu-1",
		"unknown_field": true
	}`
	ev, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.SessionID != "s1" || ev.Event != EventPreToolUse || ev.Tool != "Bash" || ev.ToolUseID != "tu-1" {
		t.Fatalf("decoded event = %+v", ev)
	}
	cmd, ok := ev.ToolInput.(CommandInput)
	if !ok {
		t.Fatalf("tool input type = %T", ev.ToolInput)
	}
	if cmd.Command != "go vet ./..." || cmd.Timeout != 30 {
		t.Fatalf("command input = %+v", cmd)
	}
}

func TestDecodeRequiresSessionID(t *testing.T) {
	testlog.Start(t)

	_, err := Decode([]byte(`{"event":"Stop"}`))
	if !errors.Is(err, ErrMissingSessionID) {
		t.Fatalf("err = %v, want ErrMissingSessionID", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	testlog.Start(t)

	if _, err := Decode([]byte(`{"session_id":`)); err == nil {
		t.Fatalf("malformed payload decoded")
	}
}

func TestRequiresDecision(t *testing.T) {
	testlog.Start(t)

	ev, err := Decode([]byte(`{"session_id":"s1","event":"PermissionRequest","tool":"Bash"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ev.RequiresDecision() {
		t.Fatalf("PermissionRequest does not require a decision")
	}
	ev.Event = EventPostToolUse
	if ev.RequiresDecision() {
		t.Fatalf("PostToolUse requires a decision")
	}
}

func TestCanonicalStableAcrossVariants(t *testing.T) {
	testlog.Start(t)

	// An empty input must canonicalize identically regardless of which
	// union variant decoded it.
	variants := []ToolInput{
		CommandInput{},
		FileInput{},
		GenericInput{},
		GenericInput(nil),
	}
	want := variants[0].Canonical()
	for _, v := range variants {
		if got := v.Canonical(); got != want {
			t.Fatalf("Canonical() = %q for %T, want %q", got, v, want)
		}
	}
}

func TestCanonicalDeterministicKeyOrder(t *testing.T) {
	testlog.Start(t)

	a := GenericInput{"b": 1.0, "a": "x", "c": map[string]any{"z": true, "y": "w"}}
	b := GenericInput{"c": map[string]any{"y": "w", "z": true}, "a": "x", "b": 1.0}
	if a.Canonical() != b.Canonical() {
		t.Fatalf("canonical forms differ:\n%s\n%s", a.Canonical(), b.Canonical())
	}
}

func TestCanonicalElidesZeroValues(t *testing.T) {
	testlog.Start(t)

	with := CommandInput{Command: "ls"}
	also := GenericInput{"command": "ls", "timeout": 0.0, "description": ""}
	if with.Canonical() != also.Canonical() {
		t.Fatalf("zero values not elided:\n%s\n%s", with.Canonical(), also.Canonical())
	}
}

func TestDecodeToolInputFallsBack(t *testing.T) {
	testlog.Start(t)

	raw := json.RawMessage(`{"pattern":"func main","path":"."}`)
	in := DecodeToolInput("Grep", raw)
	g, ok := in.(GenericInput)
	if !ok {
		t.Fatalf("fallback type = %T", in)
	}
	if g["pattern"] != "func main" {
		t.Fatalf("fallback content = %+v", g)
	}

	if in := DecodeToolInput("Bash", nil); in == nil {
		t.Fatalf("nil input produced nil variant")
	}
}
