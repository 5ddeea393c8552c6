package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/kingrea/lattice-audit/internal/config"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	ws := workflow.NewWorkspace(t.TempDir())
	var console bytes.Buffer
	logger, err := New(ws, config.LogConfig{Level: "info", Verbose: true}, &console)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Named("recon").Info("producer finished", zap.String("producer", "documentation"))
	logger.Debug("dropped below level")
	logger.Info("phase Done")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(ws.LogsDir(), FileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["logger"] != "recon" || entry["producer"] != "documentation" || entry["msg"] != "producer finished" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if !strings.Contains(console.String(), "phase Done") {
		t.Fatalf("verbose logging should reach the console:\n%s", console.String())
	}
}

func TestLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := New(workflow.NewWorkspace(t.TempDir()), config.LogConfig{Level: "loud"}, nil); err == nil {
		t.Fatalf("expected level error")
	}
}
