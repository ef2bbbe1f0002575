package merge

import (
	"strings"
	"testing"
)

func TestThreeWayIdenticalSides(t *testing.T) {
	base := "a\nb\nc"
	changed := "a\nB\nc"

	result := ThreeWayMerge(base, changed, changed, "one", "two")
	if !result.Success {
		t.Fatalf("identical sides should merge, got %d spans", len(result.Spans))
	}
	if result.Content != changed {
		t.Errorf("Content = %q, want %q", result.Content, changed)
	}
}

func TestThreeWayIdempotent(t *testing.T) {
	base := "x\ny\nz"

	result := ThreeWayMerge(base, base, base, "one", "two")
	if !result.Success || result.Content != base {
		t.Errorf("merging the base with itself changed it: %q", result.Content)
	}
}

func TestThreeWayOneSidedChange(t *testing.T) {
	base := "first\nsecond\nthird"
	ours := "first\nsecond updated\nthird"

	result := ThreeWayMerge(base, ours, base, "one", "two")
	if !result.Success {
		t.Fatalf("one-sided change should merge, got %d spans", len(result.Spans))
	}
	if result.Content != ours {
		t.Errorf("Content = %q, want ours %q", result.Content, ours)
	}

	// Symmetric: only theirs changed.
	result = ThreeWayMerge(base, base, ours, "one", "two")
	if !result.Success || result.Content != ours {
		t.Errorf("theirs-only change: Content = %q, want %q", result.Content, ours)
	}
}

func TestThreeWayDisjointChanges(t *testing.T) {
	base := "a\nb\nc"
	ours := "a2\nb\nc"
	theirs := "a\nb\nc2"

	result := ThreeWayMerge(base, ours, theirs, "one", "two")
	if !result.Success {
		t.Fatalf("disjoint changes should merge, got spans %v in:\n%s", result.Spans, result.Content)
	}
	want := "a2\nb\nc2"
	if result.Content != want {
		t.Errorf("Content = %q, want %q", result.Content, want)
	}
}

func TestThreeWayOverlapConflicts(t *testing.T) {
	result := ThreeWayMerge("x", "ours-version", "theirs-version", "alpha", "beta")
	if result.Success {
		t.Fatal("competing edits to the same line should conflict")
	}
	if len(result.Spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(result.Spans))
	}

	content := result.Content
	for _, want := range []string{
		"<<<<<<< alpha",
		"ours-version",
		"=======",
		"theirs-version",
		">>>>>>> beta",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("conflict document missing %q:\n%s", want, content)
		}
	}

	lines := strings.Split(content, "\n")
	span := result.Spans[0]
	if !strings.HasPrefix(lines[span.Start], "<<<<<<<") {
		t.Errorf("span start %d is %q, want opening marker", span.Start, lines[span.Start])
	}
	if !strings.HasPrefix(lines[span.End], ">>>>>>>") {
		t.Errorf("span end %d is %q, want closing marker", span.End, lines[span.End])
	}
}

func TestThreeWayConflictBoundedBySyncLines(t *testing.T) {
	base := "keep\nmid\nkeep2"
	ours := "keep\nours mid\nkeep2"
	theirs := "keep\ntheirs mid\nkeep2"

	result := ThreeWayMerge(base, ours, theirs, "a", "b")
	if result.Success {
		t.Fatal("want a conflict on the middle line")
	}

	lines := strings.Split(result.Content, "\n")
	if lines[0] != "keep" {
		t.Errorf("first line = %q, want the common prefix outside the markers", lines[0])
	}
	if lines[len(lines)-1] != "keep2" {
		t.Errorf("last line = %q, want the common suffix outside the markers", lines[len(lines)-1])
	}
	if len(result.Spans) != 1 {
		t.Errorf("got %d spans, want 1", len(result.Spans))
	}
}

func TestThreeWayBothAppendSameLine(t *testing.T) {
	base := "shared"
	both := "shared\nadded"

	result := ThreeWayMerge(base, both, both, "a", "b")
	if !result.Success || result.Content != both {
		t.Errorf("Content = %q, want %q", result.Content, both)
	}
}

func TestThreeWayMultipleConflicts(t *testing.T) {
	base := "one\nsync\ntwo"
	ours := "one-a\nsync\ntwo-a"
	theirs := "one-b\nsync\ntwo-b"

	result := ThreeWayMerge(base, ours, theirs, "a", "b")
	if result.Success {
		t.Fatal("want conflicts on both divergent runs")
	}
	if len(result.Spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(result.Spans))
	}
	if !strings.Contains(result.Content, "\nsync\n") {
		t.Errorf("sync line should separate the two conflict blocks:\n%s", result.Content)
	}
}
