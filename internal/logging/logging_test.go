package logging

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"
)

// TestLoggerCreation verifies logger can be created with prefix
func TestLoggerCreation(t *testing.T) {
	logger := NewLogger("test")
	if logger == nil {
		t.Error("Logger creation failed")
	}
	if logger.prefix != "test" {
		t.Errorf("Expected prefix 'test', got '%s'", logger.prefix)
	}
}

// TestLoggerInfo verifies info logging doesn't panic
func TestLoggerInfo(t *testing.T) {
	logger := NewLogger("test")
	// Should not panic
	logger.Info("test message", "key", "value")
}

// TestLoggerWarn verifies warn logging doesn't panic
func TestLoggerWarn(t *testing.T) {
	logger := NewLogger("test")
	// Should not panic
	logger.Warn("test warning", "key", "value")
}

// TestLoggerError verifies error logging doesn't panic
func TestLoggerError(t *testing.T) {
	logger := NewLogger("test")
	// Should not panic
	logger.Error("test error", "key", "value")
}

// TestLoggerMultipleKeyValues verifies multiple key-value pairs
func TestLoggerMultipleKeyValues(t *testing.T) {
	logger := NewLogger("balancer")
	// Should not panic with multiple key-value pairs
	logger.Info("request processed", "id", "abc123", "status", 200, "duration", "45ms")
}

// TestParseLevel verifies string-to-Level mapping
func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"info":    LevelInfo,
		"":        LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestLoggerNamed verifies child loggers compose the prefix and inherit level
func TestLoggerNamed(t *testing.T) {
	logger := NewLogger("router").WithLevel(LevelWarn)
	child := logger.Named("health")
	if child.prefix != "router.health" {
		t.Errorf("Expected prefix 'router.health', got %q", child.prefix)
	}
	if child.level != LevelWarn {
		t.Errorf("Expected child to inherit LevelWarn, got %v", child.level)
	}
}

// TestLoggerLevelGate verifies Info is suppressed below the configured level
func TestLoggerLevelGate(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	logger := NewLogger("test").WithLevel(LevelError)
	// Debug/Info/Warn are gated out, Error always fires
	logger.Debug("should be suppressed")
	logger.Info("should be suppressed")
	logger.Warn("should be suppressed")
	logger.Error("should still log")

	out := buf.String()
	if strings.Contains(out, "should be suppressed") {
		t.Errorf("Expected Debug/Info/Warn to be suppressed at LevelError, got %q", out)
	}
	if !strings.Contains(out, "should still log") {
		t.Errorf("Expected Error to be emitted at LevelError, got %q", out)
	}
}
