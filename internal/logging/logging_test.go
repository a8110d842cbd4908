package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewJSONRendersErrorGroup(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "debug", "json")
	if err != nil {
		t.Fatal(err)
	}

	log.Error("link lost", Err(errors.New("serial closed")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	group, ok := rec["error"].(map[string]any)
	if !ok {
		t.Fatalf("error attribute should be a group, got %T", rec["error"])
	}
	if group["msg"] != "serial closed" {
		t.Errorf("error.msg = %v", group["msg"])
	}
	if _, ok := group["trace"]; !ok {
		t.Error("error group should carry a trace")
	}
}

func TestPlainErrorHasNoTrace(t *testing.T) {
	var buf bytes.Buffer
	log, _ := New(&buf, "info", "json")
	log.Warn("bad datagram", "error", errors.New("field count"))
	if strings.Contains(buf.String(), "trace") {
		t.Errorf("unwrapped error should not carry a trace: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, _ := New(&buf, "warn", "text")
	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record passed a warn-level logger")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn record was dropped")
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, "loud", "text"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
