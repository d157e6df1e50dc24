package logx

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/time/rate"
)

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "INFO").With(String("comp", "test"))

	log.Debug("hidden")
	log.Info("visible", Int("n", 3))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record written at INFO level: %s", out)
	}
	for _, want := range []string{`"comp":"test"`, `"n":3`, `"message":"visible"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
}

func TestSampledLoggerDropsOverLimit(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "TRACE").Sampled(rate.NewLimiter(0, 2))
	for i := 0; i < 5; i++ {
		log.Trace("emit failed")
	}
	if got := strings.Count(buf.String(), "emit failed"); got != 2 {
		t.Fatalf("records = %d, want 2", got)
	}
}

func TestSampledLoggerSkipsTokenBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	lim := rate.NewLimiter(0, 1)
	log := NewWriter(&buf, "INFO").Sampled(lim)
	log.Debug("below level")
	log.Info("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("filtered record consumed the only token: %q", buf.String())
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if got := ParseLevel("warning", LevelInfo); got != LevelWarn {
		t.Fatalf("ParseLevel(warning) = %v, want %v", got, LevelWarn)
	}
	if got := ParseLevel("bogus", LevelDebug); got != LevelDebug {
		t.Fatalf("ParseLevel(bogus) = %v, want default", got)
	}
	if ValidLevel("bogus") {
		t.Fatal("ValidLevel(bogus) = true")
	}
}
