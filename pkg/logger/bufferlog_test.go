package logger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type capture struct {
	mu    sync.Mutex
	lines []string
}

func (c *capture) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *capture) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// TestSuccessDropsDetail keeps successful runs to one line.
func TestSuccessDropsDetail(t *testing.T) {
	t.Parallel()

	c := &capture{}
	b := New(c.printf)
	b.Begin("population#1")
	b.Append("population#1", "preview 1200 points")
	b.Success("population#1", "final 3000 points")
	b.Sync()

	lines := c.snapshot()
	if len(lines) != 1 {
		t.Fatalf("lines=%q want 1 line", lines)
	}
	if !strings.Contains(lines[0], "final 3000 points") {
		t.Fatalf("summary=%q", lines[0])
	}
}

func TestFlushErrorReplaysDetail(t *testing.T) {
	t.Parallel()

	c := &capture{}
	b := New(c.printf)
	b.Begin("pollution#4")
	b.Append("pollution#4", "dispatch preview")
	b.Append("pollution#4", "status 502")
	b.FlushError("pollution#4", errors.New("points endpoint status 502"))
	b.Sync()

	lines := c.snapshot()
	if len(lines) != 3 {
		t.Fatalf("lines=%q want 3", lines)
	}
	if !strings.HasSuffix(lines[0], "dispatch preview") || !strings.Contains(lines[2], "[ERROR]") {
		t.Fatalf("unexpected replay %q", lines)
	}
}

func TestDiscardAndUnbuffered(t *testing.T) {
	t.Parallel()

	c := &capture{}
	b := New(c.printf)
	b.Begin("r")
	b.Append("r", "hidden")
	b.Discard("r")
	b.Append("other", "direct")
	b.Sync()

	lines := c.snapshot()
	if len(lines) != 1 || lines[0] != "direct" {
		t.Fatalf("lines=%q want [direct]", lines)
	}
}
