package sandbox

import (
	"bytes"
	"strings"
	"testing"
)

func TestTruncateReadLeavesSmallOutputUntouched(t *testing.T) {
	out, truncated := TruncateRead([]byte("small"), 100)
	if truncated {
		t.Fatalf("expected no truncation for output under the threshold")
	}
	if string(out) != "small" {
		t.Fatalf("expected output unchanged, got %q", out)
	}
}

func TestTruncateReadCutsOversizedOutput(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 1000)
	out, truncated := TruncateRead(big, 100)
	if !truncated {
		t.Fatalf("expected truncation for oversized output")
	}
	if !strings.Contains(string(out), "truncated") {
		t.Fatalf("expected truncated output to carry an explicit marker")
	}
	if len(out) <= 100 {
		t.Fatalf("expected truncated output length to include the marker suffix")
	}
}

func TestTruncateTestOutputKeepsHeadAndTail(t *testing.T) {
	head := bytes.Repeat([]byte("h"), 500)
	middle := bytes.Repeat([]byte("m"), 5000)
	tail := bytes.Repeat([]byte("t"), 500)
	full := append(append(append([]byte{}, head...), middle...), tail...)

	out, truncated := TruncateTestOutput(full, 1000)
	if !truncated {
		t.Fatalf("expected truncation for oversized test output")
	}
	if !bytes.HasPrefix(out, head[:100]) {
		t.Fatalf("expected truncated output to retain the head")
	}
	if !bytes.HasSuffix(out, tail[len(tail)-100:]) {
		t.Fatalf("expected truncated output to retain the tail")
	}
	if bytes.Contains(out, middle) {
		t.Fatalf("expected the middle to be dropped")
	}
}
