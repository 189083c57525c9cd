package debug

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// reset restores the switches and writers after a test.
func reset(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()
	prevEnv, prevOut, prevErr := envDebug, stdout, stderr
	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	envDebug, stdout, stderr = false, out, errOut
	t.Cleanup(func() {
		envDebug, stdout, stderr = prevEnv, prevOut, prevErr
		SetVerbose(false)
		SetQuiet(false)
	})
	return out, errOut
}

func TestLogf(t *testing.T) {
	for _, tt := range []struct {
		verbose, env bool
		want         string
	}{
		{false, false, ""},
		{true, false, "claimed job job-1\n"},
		{false, true, "claimed job job-1\n"},
	} {
		_, errOut := reset(t)
		SetVerbose(tt.verbose)
		envDebug = tt.env

		Logf("claimed job %s\n", "job-1")
		if got := errOut.String(); got != tt.want {
			t.Errorf("verbose=%v env=%v: Logf wrote %q, want %q", tt.verbose, tt.env, got, tt.want)
		}
	}
}

func TestPrintNormal_Quiet(t *testing.T) {
	out, _ := reset(t)
	PrintNormal("step %s: %d items\n", "users", 250)
	SetQuiet(true)
	PrintNormal("hidden\n")

	if got := out.String(); got != "step users: 250 items\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	reset(t)

	var buf bytes.Buffer
	log := NewLogger(&buf, "JSON", "")
	log.Debug("hidden")
	log.Info("job claimed", "job_id", "job-1")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("want one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "job claimed" || rec["job_id"] != "job-1" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	log = NewLogger(&buf, "text", "warn")
	log.Info("hidden")
	log.Warn("requeue failed")
	if got := buf.String(); strings.Contains(got, "hidden") || !strings.Contains(got, "requeue failed") {
		t.Errorf("text output = %q", got)
	}

	if NewLogger(&buf, "text", "bogus").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("unknown level should fall back to info")
	}
	SetVerbose(true)
	if !NewLogger(&buf, "text", "error").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("verbose should force debug level")
	}
}
