package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_JSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "run_id", "r-1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"run_id":"r-1"`) {
		t.Errorf("expected JSON warn record, got %s", out)
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text record, got %s", buf.String())
	}
}

func TestNew_InvalidFormat(t *testing.T) {
	if _, err := New(Config{Format: "xml"}, nil); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestWithRequestID_And_FromContext(t *testing.T) {
	ctx := context.Background()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("RequestIDFromContext() on empty ctx = %v, want empty", got)
	}

	ctx = WithRequestID(ctx, "req-12345")
	if got := RequestIDFromContext(ctx); got != "req-12345" {
		t.Errorf("RequestIDFromContext() = %v, want req-12345", got)
	}

	var buf bytes.Buffer
	base, _ := New(Config{}, &buf)
	FromContext(ctx, base).Info("with id")
	if !strings.Contains(buf.String(), `"request_id":"req-12345"`) {
		t.Errorf("expected request_id attribute, got %s", buf.String())
	}
}
