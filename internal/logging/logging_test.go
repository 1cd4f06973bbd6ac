package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithOptions_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.log")
	logger, closer := NewWithOptions(Options{Level: "info", Format: "json", File: path})

	logger.Info("payment escrowed", "paymentId", "pay_1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"paymentId":"pay_1"`) {
		t.Errorf("expected json log line, got %q", data)
	}
}

func TestNewWithOptions_StdoutCloserIsNoop(t *testing.T) {
	_, closer := NewWithOptions(Options{Level: "info"})
	if err := closer.Close(); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	custom := New("debug", "json")
	ctx = WithLogger(WithRequestID(ctx, "req-123"), custom)

	if RequestID(ctx) != "req-123" {
		t.Errorf("Expected req-123, got %q", RequestID(ctx))
	}
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
	if L(ctx) == nil {
		t.Error("Expected non-nil logger")
	}
}
