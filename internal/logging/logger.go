package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kingrea/lattice-audit/internal/config"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// FileName is the structured log written under meta/logs.
const FileName = "audit.log"

// Logger writes JSON lines to <workspace>/meta/logs/audit.log so a run can
// be inspected after the process exits. With Verbose set, a console copy
// goes to the configured writer as well.
type Logger struct {
	*zap.Logger
	file *os.File
}

// New creates (or appends to) the log file for the workspace.
func New(ws *workflow.Workspace, cfg config.LogConfig, console io.Writer) (*Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	if err := os.MkdirAll(ws.LogsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(ws.LogsDir(), FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder("json"), zapcore.AddSync(f), level),
	}
	if cfg.Verbose && console != nil {
		cores = append(cores, zapcore.NewCore(newEncoder("console"), zapcore.AddSync(console), level))
	}
	return &Logger{Logger: zap.New(zapcore.NewTee(cores...)), file: f}, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// Close flushes buffered entries and releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.Logger.Sync()
	return l.file.Close()
}
