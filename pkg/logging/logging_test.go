package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"bogus", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%s) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponentSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Output: &buf})

	l.Component("swap").Swap("abc").Debug("Payment sent", "txid", "ff")
	out := buf.String()
	for _, want := range []string{"swap", "Payment sent", "swap_id=abc", "txid=ff"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}

	buf.Reset()
	quiet := New(&Config{Level: "warn", Output: &buf})
	quiet.Component("rpc").Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("component ignored parent level: %q", buf.String())
	}
}

func TestOpenWritesFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "atomex-log-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	prev := GetDefault()
	defer SetDefault(prev)

	var buf bytes.Buffer
	path := filepath.Join(dir, "logs", "swapd.log")
	l, closeFn, err := Open(&Config{Level: "info", Output: &buf, File: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if GetDefault() != l {
		t.Error("Open() did not set the default logger")
	}

	GetDefault().Component("manager").Info("Swap added")
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Swap added") || !strings.Contains(buf.String(), "Swap added") {
		t.Errorf("file %q, output %q", data, buf.String())
	}
}
