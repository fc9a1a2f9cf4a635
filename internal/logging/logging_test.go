package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupWithWriter_Levels(t *testing.T) {
	var buf bytes.Buffer

	logger := SetupWithWriter("development", &buf)
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Errorf("development should log at debug, got %s", logger.GetLevel())
	}
	logger.Debug().Str("session_id", "ABC123").Msg("debug line")
	if !strings.Contains(buf.String(), "debug line") {
		t.Errorf("expected debug output, got %q", buf.String())
	}

	buf.Reset()
	logger = SetupWithWriter("production", &buf)
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("production should log at info, got %s", logger.GetLevel())
	}
	logger.Debug().Msg("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug output should be suppressed outside development")
	}
}
