package logging_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sadewadee/edgeloop/internal/logging"
)

func TestResolveOutputStdout(t *testing.T) {
	w, c := logging.ResolveOutput("stdout")
	if w != os.Stdout {
		t.Fatalf("expected stdout writer")
	}
	if c != nil {
		t.Fatalf("expected nil closer for stdout")
	}
}

func TestResolveOutputStderr(t *testing.T) {
	w, c := logging.ResolveOutput("stderr")
	if w != os.Stderr {
		t.Fatalf("expected stderr writer")
	}
	if c != nil {
		t.Fatalf("expected nil closer for stderr")
	}
}

func TestResolveOutputFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "edgeloopd.log")

	w, c := logging.ResolveOutput(logPath)
	if w == nil {
		t.Fatalf("expected writer for file output")
	}
	if c == nil {
		t.Fatalf("expected closer for file output")
	}
	defer c.Close()

	if _, err := io.WriteString(w, "test log\n"); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if string(data) == "" {
		t.Fatalf("expected log file content")
	}
}

func TestNewSinkWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	sink := logging.New("info", "json", &buf)
	sink.Info("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Errorf("expected JSON output to contain msg field, got %q", out)
	}
	if !strings.Contains(out, `"key":"value"`) {
		t.Errorf("expected JSON output to contain key/value, got %q", out)
	}
}

func TestNewSinkWritesText(t *testing.T) {
	var buf bytes.Buffer
	sink := logging.New("info", "text", &buf)
	sink.Info("hello")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output to contain msg=hello, got %q", buf.String())
	}
}

func TestNewSinkRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	sink := logging.New("warn", "text", &buf)
	sink.Debug("should not appear")
	sink.Info("should not appear either")

	if buf.Len() != 0 {
		t.Errorf("expected no output below warn level, got %q", buf.String())
	}

	sink.Warn("should appear")
	if buf.Len() == 0 {
		t.Error("expected warn-level output")
	}
}
