package debug

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerFollowsDebugFlag(t *testing.T) {
	if forced {
		t.Skip(EnvLogLevel + " is set")
	}
	var buf bytes.Buffer
	SetOutput(zerolog.New(&buf))
	defer SetOutput(newRoot())
	defer Disable()

	Disable()
	l := Logger("test")
	l.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug logged while disabled: %s", buf.String())
	}

	Enable()
	l = Logger("test")
	l.Debug().Msg("shown")
	out := buf.String()
	if !strings.Contains(out, `"component":"test"`) || !strings.Contains(out, "shown") {
		t.Errorf("output = %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
	}
	for raw, want := range tests {
		if got, ok := parseLevel(raw); !ok || got != want {
			t.Errorf("parseLevel(%q) = %v, %v", raw, got, ok)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Error("unknown level accepted")
	}
}
