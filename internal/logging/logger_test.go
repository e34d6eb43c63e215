package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetFormat_JSONUsesSchedulerMessageKey(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		_ = SetFormat("text")
	})

	if err := SetFormat("json"); err != nil {
		t.Fatalf("SetFormat(json): %v", err)
	}
	GetSchedulerLogger().Warn("queue drained")

	out := buf.String()
	if !strings.Contains(out, `"sched_msg":"queue drained"`) {
		t.Fatalf("expected sched_msg key in %q", out)
	}
}

func TestSetFormat_RejectsUnknown(t *testing.T) {
	if err := SetFormat("xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestSetLogLevel_Invalid(t *testing.T) {
	if err := SetLogLevel("loud"); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := SetSchedulerLogLevel("debug"); err != nil {
		t.Fatalf("SetSchedulerLogLevel(debug): %v", err)
	}
	_ = SetSchedulerLogLevel("warn")
}
