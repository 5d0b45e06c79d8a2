package pythonbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"QuizChain/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestGenerateReadsReply(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho '{\"reply\":\"{\\\"action\\\":\\\"submit\\\",\\\"answer\\\":1}\"}'\n")
	client, err := NewClient("sh", script, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != `{"action":"submit","answer":1}` {
		t.Fatalf("unexpected reply: %q", resp.Text)
	}
}

func TestGenerateRateLimited(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho '{\"error\":\"rate_limited\"}'\n")
	client, err := NewClient("sh", script, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.Generate(context.Background(), llm.Request{})
	if !llm.IsRateLimited(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestNewClientRequiresScript(t *testing.T) {
	if _, err := NewClient("python3", "", ""); err == nil {
		t.Fatalf("expected error for empty script path")
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/base", "bridge.py"); got != filepath.Join("/base", "bridge.py") {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("/base", "/abs/bridge.py"); got != "/abs/bridge.py" {
		t.Fatalf("unexpected path %s", got)
	}
}
