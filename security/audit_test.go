package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestAuditor_Event(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	auditor := NewAuditor(logger, true)
	auditor.Event(EventTokenRefreshed, "user-123", "result", "ok")

	out := buf.String()
	if !strings.Contains(out, EventTokenRefreshed) {
		t.Errorf("audit output missing event type: %q", out)
	}
	if strings.Contains(out, "user-123") {
		t.Errorf("audit output leaked raw user ID: %q", out)
	}
	if !strings.Contains(out, HashIdentifier("user-123")) {
		t.Errorf("audit output missing hashed user ID: %q", out)
	}
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	auditor := NewAuditor(logger, false)
	auditor.Event(EventTokenRevoked, "user-123")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor produced output: %q", buf.String())
	}
}

func TestHashIdentifier(t *testing.T) {
	if HashIdentifier("") != "" {
		t.Error("HashIdentifier(\"\") should be empty")
	}
	if HashIdentifier("a") == HashIdentifier("b") {
		t.Error("distinct identifiers hashed to the same value")
	}
	if len(HashIdentifier("a")) != 16 {
		t.Errorf("HashIdentifier() length = %d, want 16", len(HashIdentifier("a")))
	}
}
