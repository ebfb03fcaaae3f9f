package ops

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sandwichfarm/syncr/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *config.Logging
	}{
		{
			name: "text format",
			config: &config.Logging{
				Level:  "info",
				Format: "text",
			},
		},
		{
			name: "json format",
			config: &config.Logging{
				Level:  "debug",
				Format: "json",
			},
		},
		{
			name: "unknown level defaults to info",
			config: &config.Logging{
				Level:  "chatty",
				Format: "text",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("expected logger to be created")
			}
			if logger.format != tt.config.Format {
				t.Errorf("expected format %s, got %s", tt.config.Format, logger.format)
			}
		})
	}
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Logging{
		Level:  "info",
		Format: "text",
	}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.WithComponent("relay").Info("test message")

	out := buf.String()
	if !strings.Contains(out, "component=relay") {
		t.Errorf("expected component field in output, got: %s", out)
	}
	if !strings.Contains(out, "test message") {
		t.Errorf("expected message in output, got: %s", out)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Logging{
		Level:  "warn",
		Format: "text",
	}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Debug("should not appear")
	logger.Info("should not appear either")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("expected debug/info suppressed, got: %s", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("expected warn message, got: %s", out)
	}
}

func TestIsDebugEnabled(t *testing.T) {
	debugLogger := NewLogger(&config.Logging{Level: "debug", Format: "text"})
	if !debugLogger.IsDebugEnabled() {
		t.Error("expected debug enabled")
	}

	infoLogger := NewLogger(&config.Logging{Level: "info", Format: "text"})
	if infoLogger.IsDebugEnabled() {
		t.Error("expected debug disabled")
	}
}
