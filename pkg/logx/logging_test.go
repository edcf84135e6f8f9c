package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestServiceApplyLevel(t *testing.T) {
	var buf bytes.Buffer
	svc, log := New(Config{Level: "warn", Console: true}, WithConsoleOutput(&buf))
	defer svc.Close()

	log.Info("hidden message")
	log.With(String("comp", "test")).Warn("visible message", Int("n", 7))

	out := buf.String()
	if strings.Contains(out, "hidden message") {
		t.Fatalf("info line logged at warn level: %q", out)
	}
	if !strings.Contains(out, "visible message") || !strings.Contains(out, "n=7") || !strings.Contains(out, "comp=test") {
		t.Fatalf("warn line missing fields: %q", out)
	}

	buf.Reset()
	svc.Apply(Config{Level: "debug", Console: true})
	log.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("debug line not logged after Apply: %q", buf.String())
	}
	if !log.Enabled(LevelDebug) {
		t.Fatal("Enabled(debug) = false after Apply")
	}
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "out.log")
	var console bytes.Buffer
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, WithConsoleOutput(&console))

	log.Info("to file", String("k", "v"))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `"message":"to file"`) || !strings.Contains(string(b), `"k":"v"`) {
		t.Fatalf("unexpected file content: %s", b)
	}
	if console.Len() != 0 {
		t.Fatalf("console disabled but got output: %q", console.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("no panic")
	Nop().Info("no panic either")
}
