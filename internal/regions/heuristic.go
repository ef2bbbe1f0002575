package regions

import (
	"regexp"
	"strings"
)

// declRule matches one declaration form at the start of a line. The first
// capture group is the declaration name.
type declRule struct {
	kind Kind
	re   *regexp.Regexp
}

// scriptRules covers JavaScript and TypeScript declaration forms. Order
// matters: arrow-function bindings must match before plain variables.
var scriptRules = []declRule{
	{KindFunction, regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*(\w+)`)},
	{KindFunction, regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+(\w+)\s*(?::[^=]+)?=\s*(?:async\s*)?(?:\([^)]*\)|\w+)\s*(?::\s*\w+\s*)?=>`)},
	{KindClass, regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+(\w+)`)},
	{KindInterface, regexp.MustCompile(`^\s*(?:export\s+)?interface\s+(\w+)`)},
	{KindType, regexp.MustCompile(`^\s*(?:export\s+)?type\s+(\w+)\s*=`)},
	{KindType, regexp.MustCompile(`^\s*(?:export\s+)?(?:const\s+)?enum\s+(\w+)`)},
	{KindVariable, regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+(\w+)\s*=`)},
}

// goRules is the degraded splitter for Go files that fail to parse.
var goRules = []declRule{
	{KindFunction, regexp.MustCompile(`^func\s+(?:\([^)]+\)\s+)?(\w+)\s*\(`)},
	{KindClass, regexp.MustCompile(`^type\s+(\w+)\s+struct\b`)},
	{KindInterface, regexp.MustCompile(`^type\s+(\w+)\s+interface\b`)},
	{KindType, regexp.MustCompile(`^type\s+(\w+)\b`)},
	{KindVariable, regexp.MustCompile(`^(?:var|const)\s+(\w+)\b`)},
}

var scriptImportRe = regexp.MustCompile(`^\s*import\b|^\s*(?:const|let|var)\s+.+=\s*require\s*\(`)
var goImportRe = regexp.MustCompile(`^import\b`)
var pythonImportRe = regexp.MustCompile(`^(?:from\s+\S+\s+)?import\s+`)

// analyzeScript splits brace-delimited source with line regexes. Region
// ends are found by brace counting from the declaration line; declarations
// without a body span a single line.
func (a *Analyzer) analyzeScript(path, content string, rules []declRule, importRe *regexp.Regexp) []Region {
	lines := strings.Split(content, "\n")
	var regions []Region

	importStart, importEnd := 0, 0

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if importRe.MatchString(line) {
			if importStart == 0 {
				importStart = i + 1
			}
			importEnd = i + 1
			// A parenthesized Go import block runs to the closing paren.
			if strings.Contains(line, "(") && !strings.Contains(line, ")") {
				for j := i + 1; j < len(lines); j++ {
					importEnd = j + 1
					if strings.Contains(lines[j], ")") {
						i = j
						break
					}
				}
			}
			continue
		}

		for _, rule := range rules {
			match := rule.re.FindStringSubmatch(line)
			if match == nil {
				continue
			}
			end := findBraceEnd(lines, i)
			regions = append(regions, Region{
				FilePath:  path,
				Kind:      rule.kind,
				Name:      match[1],
				StartLine: i + 1,
				EndLine:   end + 1,
				Refs:      identifiers(strings.Join(lines[i:end+1], "\n"), match[1]),
			})
			i = end
			break
		}
	}

	if importStart > 0 {
		regions = append(regions, Region{
			FilePath:  path,
			Kind:      KindImport,
			Name:      "imports",
			StartLine: importStart,
			EndLine:   importEnd,
			Refs:      identifiers(strings.Join(lines[importStart-1:importEnd], "\n"), ""),
		})
	}

	a.debugLog("[regions.analyzeScript] %s: %d regions", path, len(regions))
	return regions
}

// findBraceEnd returns the index of the line that closes the brace block
// opened at start. A declaration with no opening brace on its first two
// lines is treated as a single-line region.
func findBraceEnd(lines []string, start int) int {
	depth := 0
	opened := false
	limit := start + 1
	if limit >= len(lines) {
		limit = len(lines) - 1
	}

	for i := start; i < len(lines); i++ {
		for _, ch := range lines[i] {
			switch ch {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return i
		}
		if !opened && i >= limit {
			return start
		}
	}
	return len(lines) - 1
}

var pythonDefRe = regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+(\w+)`)
var pythonClassRe = regexp.MustCompile(`^(\s*)class\s+(\w+)`)

// analyzePython splits on def/class declarations; a region runs until
// indentation returns to the declaration's level.
func (a *Analyzer) analyzePython(path, content string) []Region {
	lines := strings.Split(content, "\n")
	var regions []Region

	importStart, importEnd := 0, 0

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if pythonImportRe.MatchString(line) {
			if importStart == 0 {
				importStart = i + 1
			}
			importEnd = i + 1
			continue
		}

		var kind Kind
		var indent, name string
		if m := pythonClassRe.FindStringSubmatch(line); m != nil {
			kind, indent, name = KindClass, m[1], m[2]
		} else if m := pythonDefRe.FindStringSubmatch(line); m != nil {
			kind, indent, name = KindFunction, m[1], m[2]
		} else {
			continue
		}

		// Only top-of-scope declarations become regions; methods stay
		// inside their class region.
		if indent != "" && kind == KindFunction && insideRegion(regions, i+1) {
			continue
		}

		end := findIndentEnd(lines, i, len(indent))
		regions = append(regions, Region{
			FilePath:  path,
			Kind:      kind,
			Name:      name,
			StartLine: i + 1,
			EndLine:   end + 1,
			Refs:      identifiers(strings.Join(lines[i:end+1], "\n"), name),
		})
		if kind == KindClass {
			i = end
		}
	}

	if importStart > 0 {
		regions = append(regions, Region{
			FilePath:  path,
			Kind:      KindImport,
			Name:      "imports",
			StartLine: importStart,
			EndLine:   importEnd,
			Refs:      identifiers(strings.Join(lines[importStart-1:importEnd], "\n"), ""),
		})
	}

	a.debugLog("[regions.analyzePython] %s: %d regions", path, len(regions))
	return regions
}

func insideRegion(regions []Region, line int) bool {
	for _, r := range regions {
		if line >= r.StartLine && line <= r.EndLine {
			return true
		}
	}
	return false
}

// findIndentEnd returns the index of the last line belonging to the block
// declared at start with the given indent width.
func findIndentEnd(lines []string, start, indent int) int {
	end := start
	for i := start + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		lineIndent := len(lines[i]) - len(strings.TrimLeft(lines[i], " \t"))
		if lineIndent <= indent {
			break
		}
		end = i
	}
	return end
}
