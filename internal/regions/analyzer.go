// Package regions splits file content into named, line-ranged structural
// units used as the granularity for merge conflict relevance. Go sources
// are walked via the syntax tree; common script languages fall back to
// regex heuristics; anything else degrades to fixed-size line chunks.
package regions

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Kind classifies a region.
type Kind string

const (
	KindFunction  Kind = "function"
	KindClass     Kind = "class"
	KindInterface Kind = "interface"
	KindType      Kind = "type"
	KindVariable  Kind = "variable"
	KindImport    Kind = "import"
	KindOther     Kind = "other"
)

// Region is a named structural span inside one file version. Lines are
// 1-based and inclusive.
type Region struct {
	FilePath  string `json:"file_path"`
	Kind      Kind   `json:"kind"`
	Name      string `json:"name"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	// Refs is the set of identifiers the region mentions.
	Refs []string `json:"refs,omitempty"`
}

// chunkSize is the fallback granularity for unrecognized content.
const chunkSize = 50

// Analyzer turns file content into regions.
type Analyzer struct {
	debugLog func(format string, args ...interface{})
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{debugLog: func(format string, args ...interface{}) {}}
}

// SetDebugLog sets the debug logging function.
func (a *Analyzer) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		a.debugLog = fn
	}
}

// AnalyzeFile splits content into regions. The aggregated import region,
// when present, always sorts first; all other regions are ordered by start
// line and never overlap.
func (a *Analyzer) AnalyzeFile(path, content string) []Region {
	if content == "" {
		return nil
	}

	var regions []Region
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		regions = a.analyzeGo(path, content)
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
		regions = a.analyzeScript(path, content, scriptRules, scriptImportRe)
	case ".py":
		regions = a.analyzePython(path, content)
	}

	if len(regions) == 0 {
		regions = a.chunk(path, content)
	}

	return normalize(regions)
}

// Overlap reports whether two regions clash: same file and intersecting
// line ranges.
func Overlap(r1, r2 Region) bool {
	if r1.FilePath != r2.FilePath {
		return false
	}
	return r1.StartLine <= r2.EndLine && r2.StartLine <= r1.EndLine
}

// chunk is the last-resort splitter: fixed-size line blocks.
func (a *Analyzer) chunk(path, content string) []Region {
	lines := strings.Split(content, "\n")
	var regions []Region
	for start := 0; start < len(lines); start += chunkSize {
		end := start + chunkSize
		if end > len(lines) {
			end = len(lines)
		}
		regions = append(regions, Region{
			FilePath:  path,
			Kind:      KindOther,
			Name:      fmt.Sprintf("chunk_%d", len(regions)+1),
			StartLine: start + 1,
			EndLine:   end,
			Refs:      identifiers(strings.Join(lines[start:end], "\n"), ""),
		})
	}
	a.debugLog("[regions.chunk] %s: %d chunks of %d lines", path, len(regions), chunkSize)
	return regions
}

// normalize orders regions by start line, clips accidental overlaps from
// the heuristic passes, and floats the import region to the front.
func normalize(regions []Region) []Region {
	if len(regions) == 0 {
		return nil
	}

	var importRegion *Region
	var rest []Region
	for i := range regions {
		if regions[i].Kind == KindImport && importRegion == nil {
			r := regions[i]
			importRegion = &r
			continue
		}
		rest = append(rest, regions[i])
	}

	sort.Slice(rest, func(i, j int) bool {
		if rest[i].StartLine != rest[j].StartLine {
			return rest[i].StartLine < rest[j].StartLine
		}
		return rest[i].Name < rest[j].Name
	})
	for i := 0; i < len(rest)-1; i++ {
		if rest[i].EndLine >= rest[i+1].StartLine {
			rest[i].EndLine = rest[i+1].StartLine - 1
		}
		if rest[i].EndLine < rest[i].StartLine {
			rest[i].EndLine = rest[i].StartLine
		}
	}

	if importRegion != nil {
		return append([]Region{*importRegion}, rest...)
	}
	return rest
}

var identRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]{2,}`)

// identifiers extracts the deduplicated identifier set from text,
// excluding the region's own name.
func identifiers(text, self string) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, tok := range identRe.FindAllString(text, -1) {
		if tok == self || seen[tok] || commonKeywords[tok] {
			continue
		}
		seen[tok] = true
		refs = append(refs, tok)
	}
	sort.Strings(refs)
	return refs
}

// commonKeywords are skipped during identifier extraction; they carry no
// dependency signal in any of the recognized languages.
var commonKeywords = map[string]bool{
	"func": true, "var": true, "const": true, "type": true, "import": true,
	"return": true, "range": true, "for": true, "if": true, "else": true,
	"switch": true, "case": true, "default": true, "break": true, "continue": true,
	"function": true, "class": true, "interface": true, "export": true,
	"async": true, "await": true, "let": true, "new": true, "this": true,
	"def": true, "self": true, "from": true, "while": true, "pass": true,
	"string": true, "int": true, "bool": true, "nil": true, "null": true,
	"true": true, "false": true, "None": true, "True": true, "False": true,
}
