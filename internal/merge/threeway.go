// Package merge resolves competing file versions recorded on virtual
// branches: a deterministic three-way pass first, then a model-assisted
// pass, then a marker document left for human resolution.
package merge

import "strings"

// Conflict marker tokens. A manual-resolution document brackets each
// divergent span with the first branch's lines, a separator, and the
// second branch's lines.
const (
	markerOurs   = "<<<<<<<"
	markerSep    = "======="
	markerTheirs = ">>>>>>>"
)

// Span locates one conflict block inside merged output, as 0-based line
// indexes of the opening and closing marker lines.
type Span struct {
	Start int
	End   int
}

// Result is the outcome of a three-way merge.
type Result struct {
	// Content is the merged text. When Success is false it carries
	// bracketed markers around each divergent span.
	Content string
	// Success reports that the walk produced zero conflict spans.
	Success bool
	// Spans lists the marker blocks present in Content, oldest first.
	Spans []Span
}

// ThreeWayMerge merges ours and theirs against their common base with a
// line-aligned walk. Runs where both sides agree, or where only one side
// departs from the base, are taken outright; divergent runs are bounded
// by the next line common to base and both sides and emitted between
// conflict markers labeled with the branch names.
func ThreeWayMerge(base, ours, theirs, oursLabel, theirsLabel string) *Result {
	baseLines := strings.Split(base, "\n")
	oursLines := strings.Split(ours, "\n")
	theirsLines := strings.Split(theirs, "\n")

	var out []string
	var spans []Span
	i, o, t := 0, 0, 0

	for {
		bi, oi, ti, found := nextSync(baseLines, oursLines, theirsLines, i, o, t)
		if !found {
			bi, oi, ti = len(baseLines), len(oursLines), len(theirsLines)
		}

		baseChunk := baseLines[i:bi]
		oursChunk := oursLines[o:oi]
		theirsChunk := theirsLines[t:ti]

		switch {
		case equalLines(oursChunk, theirsChunk):
			out = append(out, oursChunk...)
		case equalLines(oursChunk, baseChunk):
			out = append(out, theirsChunk...)
		case equalLines(theirsChunk, baseChunk):
			out = append(out, oursChunk...)
		default:
			start := len(out)
			out = append(out, marker(markerOurs, oursLabel))
			out = append(out, oursChunk...)
			out = append(out, markerSep)
			out = append(out, theirsChunk...)
			out = append(out, marker(markerTheirs, theirsLabel))
			spans = append(spans, Span{Start: start, End: len(out) - 1})
		}

		if !found {
			break
		}
		out = append(out, baseLines[bi])
		i, o, t = bi+1, oi+1, ti+1
	}

	return &Result{
		Content: strings.Join(out, "\n"),
		Success: len(spans) == 0,
		Spans:   spans,
	}
}

// nextSync scans the base forward for the next line that also occurs, at
// or after the current positions, on both sides. It returns the three
// positions of that line.
func nextSync(base, ours, theirs []string, i, o, t int) (bi, oi, ti int, found bool) {
	for bi = i; bi < len(base); bi++ {
		oi = indexFrom(ours, o, base[bi])
		if oi == -1 {
			continue
		}
		ti = indexFrom(theirs, t, base[bi])
		if ti == -1 {
			continue
		}
		return bi, oi, ti, true
	}
	return 0, 0, 0, false
}

func indexFrom(lines []string, from int, want string) int {
	for idx := from; idx < len(lines); idx++ {
		if lines[idx] == want {
			return idx
		}
	}
	return -1
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for idx := range a {
		if a[idx] != b[idx] {
			return false
		}
	}
	return true
}

func marker(token, label string) string {
	if label == "" {
		return token
	}
	return token + " " + label
}
