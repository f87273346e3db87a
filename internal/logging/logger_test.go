package logging

import (
	"bytes"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "explicit level and output", config: &Config{Level: LevelDebug, Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Info("should be filtered")
	if buf.Len() != 0 {
		t.Errorf("expected Info below the configured level to be dropped, got: %s", buf.String())
	}

	logger.Warn("should appear")
	if !bytes.Contains(buf.Bytes(), []byte("should appear")) {
		t.Errorf("expected Warn at the configured level to be logged, got: %s", buf.String())
	}
}

func TestLoggerFormatsKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("device ready", "device", 42, "product", "iPhone")

	output := buf.String()
	if !bytes.Contains([]byte(output), []byte("device=42")) {
		t.Errorf("expected device=42 in output, got: %s", output)
	}
	if !bytes.Contains([]byte(output), []byte("product=iPhone")) {
		t.Errorf("expected product=iPhone in output, got: %s", output)
	}
}

func TestWithComponentTagsOutputAndSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	reactorLogger := logger.WithComponent("reactor")
	reactorLogger.Info("filtered below reactor's inherited level")
	if buf.Len() != 0 {
		t.Errorf("expected WithComponent to inherit the parent's level, got: %s", buf.String())
	}

	reactorLogger.Warn("client accepted")
	output := buf.String()
	if !bytes.Contains([]byte(output), []byte("[reactor]")) {
		t.Errorf("expected [reactor] tag in output, got: %s", output)
	}
	if !bytes.Contains([]byte(output), []byte("client accepted")) {
		t.Errorf("expected message in output, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if !bytes.Contains(buf.Bytes(), []byte("debug message")) {
		t.Errorf("expected debug message, got: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("key=value")) {
		t.Errorf("expected key=value, got: %s", buf.String())
	}

	buf.Reset()
	Info("info message")
	if !bytes.Contains(buf.Bytes(), []byte("info message")) {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !bytes.Contains(buf.Bytes(), []byte("warning message")) {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !bytes.Contains(buf.Bytes(), []byte("error message")) {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}
