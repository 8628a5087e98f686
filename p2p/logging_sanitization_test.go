package p2p

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"nhbchain/observability/logging"
)

func TestServerLoggingRedactsPeerIdentifiers(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))

	logger.Warn("Manual dial failed",
		logging.MaskField("peer_address", "203.0.113.7:41220"),
		slog.String("reason", "connection refused"))

	if buf.Len() == 0 {
		t.Fatalf("expected log entry for failed dial")
	}

	if logging.IsAllowlisted("peer_address") {
		t.Fatalf("peer_address should not be allowlisted: %v", logging.RedactionAllowlist())
	}

	raw := buf.Bytes()
	if bytes.Contains(raw, []byte("203.0.113.7")) {
		t.Fatalf("log output leaked peer address: %s", raw)
	}

	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	value, ok := entry["peer_address"].(string)
	if !ok {
		t.Fatalf("expected string peer_address attribute, got %T", entry["peer_address"])
	}
	if value != logging.RedactedValue {
		t.Fatalf("expected redacted peer address, got %q", value)
	}

	reason, ok := entry["reason"].(string)
	if !ok || reason != "connection refused" {
		t.Fatalf("expected allowlisted reason field to survive, got %v", entry["reason"])
	}
}
