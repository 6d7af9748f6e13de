package agent

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerBasicFunctions(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLoggerWithWriter(false, false, buf)

	t.Run("Info", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")
		if !strings.Contains(buf.String(), "info message") {
			t.Errorf("expected Info to log message, got %q", buf.String())
		}
	})

	t.Run("Error", func(t *testing.T) {
		buf.Reset()
		logger.Error("error message")
		if !strings.Contains(buf.String(), "error message") {
			t.Errorf("expected Error to log message, got %q", buf.String())
		}
	})

	t.Run("Success", func(t *testing.T) {
		buf.Reset()
		logger.Success("success message")
		if !strings.Contains(buf.String(), "success message") {
			t.Errorf("expected Success to log message, got %q", buf.String())
		}
	})

	t.Run("Warning", func(t *testing.T) {
		buf.Reset()
		logger.Warning("warning message")
		if !strings.Contains(buf.String(), "warning message") {
			t.Errorf("expected Warning to log message, got %q", buf.String())
		}
	})

	t.Run("Debug verbose enabled", func(t *testing.T) {
		buf.Reset()
		logger.SetVerbose(true)
		logger.Debug("debug message")
		if !strings.Contains(buf.String(), "debug message") {
			t.Errorf("expected Debug to log message in verbose mode, got %q", buf.String())
		}
	})

	t.Run("Debug verbose disabled", func(t *testing.T) {
		buf.Reset()
		logger.SetVerbose(false)
		logger.Debug("debug message")
		if buf.String() != "" {
			t.Errorf("expected Debug to not log message when verbose is disabled, got %q", buf.String())
		}
	})
}

func TestLoggerRequestResponseVerboseOnly(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLoggerWithWriter(false, false, buf)

	logger.Request("tools/call", map[string]string{"name": "get_pods"})
	logger.Response("tools/call", map[string]string{"status": "ok"})
	if buf.String() != "" {
		t.Errorf("expected no request/response output without verbose, got %q", buf.String())
	}

	logger.SetVerbose(true)
	logger.Request("tools/call", map[string]string{"name": "get_pods"})
	if !strings.Contains(buf.String(), "tools/call") || !strings.Contains(buf.String(), "get_pods") {
		t.Errorf("expected request output in verbose mode, got %q", buf.String())
	}
}

func TestLoggerColorize(t *testing.T) {
	buf := &bytes.Buffer{}

	plain := NewLoggerWithWriter(false, false, buf)
	plain.Error("boom")
	if strings.Contains(buf.String(), "\033[") {
		t.Errorf("expected no ANSI codes without color, got %q", buf.String())
	}

	buf.Reset()
	colored := NewLoggerWithWriter(false, true, buf)
	colored.Error("boom")
	if !strings.Contains(buf.String(), colorRed) {
		t.Errorf("expected red ANSI code with color enabled, got %q", buf.String())
	}
}

func TestPrettyJSON(t *testing.T) {
	out := prettyJSON(map[string]int{"a": 1})
	if !strings.Contains(out, "\"a\": 1") {
		t.Errorf("expected indented JSON, got %q", out)
	}
}
