package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewWithWriterAttachesAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", slog.String("app", "Hive"))
	logger.Debug("hello", slog.String("account_id", "a"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["app"] != "Hive" || record["account_id"] != "a" || record["msg"] != "hello" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "loud")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered, got %s", buf.String())
	}
	logger.Info("shown")
	if buf.Len() == 0 {
		t.Fatal("expected info record")
	}
}
