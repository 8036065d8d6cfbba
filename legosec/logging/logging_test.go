package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactsSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.With("session_key", "abc").Info("test",
		"psk", []byte{1, 2, 3},
		"encrypted_secret", "deadbeef",
		"key_id", "k-1",
		"client_id", "client_a",
		slog.Group("peer", "auth_token", "t0k3n", "addr", "127.0.0.1"),
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, k := range []string{"psk", "encrypted_secret", "session_key"} {
		if payload[k] != redactedValue {
			t.Fatalf("%s = %v, want redacted", k, payload[k])
		}
	}
	if payload["key_id"] != "k-1" || payload["client_id"] != "client_a" {
		t.Fatalf("non-sensitive attrs changed: %v", payload)
	}
	peer, _ := payload["peer"].(map[string]any)
	if peer["auth_token"] != redactedValue || peer["addr"] != "127.0.0.1" {
		t.Fatalf("group not redacted: %v", peer)
	}
}

func TestLevelsAndFormats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("level filtering wrong: %q", buf.String())
	}
	if _, err := New(&buf, "loud", "text"); err == nil {
		t.Fatalf("expected bad level error")
	}
	if _, err := New(&buf, "info", "xml"); err == nil {
		t.Fatalf("expected bad format error")
	}
}
