package pythonbridge

import (
	"context"
	stdErrors "errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"OpenMCP-Orchestrator/internal/llm"
)

func TestGenerateRunsScript(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "echo.sh")
	if err := os.WriteFile(script, []byte("cat > /dev/null\necho '{\"verified\": true}'\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	client, err := NewClient(sh, script, dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	raw, err := client.Generate(context.Background(), llm.Request{Name: "verify", Prompt: "check"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(raw) != `{"verified": true}` {
		t.Fatalf("unexpected output %s", raw)
	}
}

func TestGenerateScriptFailure(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fail.sh")
	if err := os.WriteFile(script, []byte("echo oops >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	client, _ := NewClient(sh, script, "")
	if _, err := client.Generate(context.Background(), llm.Request{}); !stdErrors.Is(err, llm.ErrGeneration) {
		t.Fatalf("expected generation failure, got %v", err)
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "bridge.py"); got != filepath.Join("/srv", "bridge.py") {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("/srv", "/abs/bridge.py"); got != "/abs/bridge.py" {
		t.Fatalf("absolute path must be kept, got %s", got)
	}
}
