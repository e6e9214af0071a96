package logging

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"  warn  ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)
	log.Info("segment created", "segment_id", "seg-1")

	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"segment created"`)) {
		t.Errorf("expected JSON msg field, got: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"segment_id":"seg-1"`)) {
		t.Errorf("expected segment_id attribute, got: %s", buf.String())
	}
}

func TestNewWithWriterFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("error", &buf)
	log.Info("catalog loaded", "segments", 3)

	if buf.Len() != 0 {
		t.Errorf("expected info record to be filtered at error level, got: %s", buf.String())
	}
}
