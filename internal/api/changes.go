package api

import (
	"encoding/json"
	"regexp"
	"strings"
)

// fileListDoc is the structured shape a leaf-level reply may use.
type fileListDoc struct {
	Summary string     `json:"summary"`
	Files   []FileSpec `json:"files"`
}

var (
	fenceOpenRe = regexp.MustCompile("^```([^`\n]*)$")
	// pathTokenRe matches something that plausibly is a relative file path
	// with an extension, e.g. src/auth/login.ts or main.go.
	pathTokenRe = regexp.MustCompile(`^[\w./+-]+\.\w{1,12}$`)
	// annotationRe matches a path annotation line above a fence, e.g.
	// "File: src/foo.go", "### src/foo.go", "**src/foo.go**".
	annotationRe = regexp.MustCompile(`(?i)^(?:#+\s*|\*\*|` + "`" + `)?(?:file|path|filename)?[:\s]*\s*([\w./+-]+\.\w{1,12})(?:\*\*|` + "`" + `)?$`)
)

// ParseFileChanges extracts proposed file changes from a leaf-level reply.
// It tries the structured file list first, then falls back to fenced code
// blocks annotated with a file path. An empty result means the reply
// carried no recognizable changes.
func ParseFileChanges(content string) []FileSpec {
	if specs := parseStructuredFiles(content); len(specs) > 0 {
		return specs
	}
	return parseFencedFiles(content)
}

// parseStructuredFiles looks for a {"files": [...]} document, tolerating
// prose and markdown fences around the JSON.
func parseStructuredFiles(content string) []FileSpec {
	candidate := strings.TrimSpace(content)

	if fenced, ok := ExtractFencedCode(candidate); ok && strings.Contains(fenced, `"files"`) {
		candidate = fenced
	}

	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start == -1 || end == -1 || end < start {
		return nil
	}

	var doc fileListDoc
	if err := json.Unmarshal([]byte(candidate[start:end+1]), &doc); err != nil {
		return nil
	}

	var specs []FileSpec
	for _, f := range doc.Files {
		if f.Path == "" {
			continue
		}
		if f.Kind == "" {
			f.Kind = "modify"
		}
		specs = append(specs, f)
	}
	return specs
}

// parseFencedFiles scans for fenced code blocks and pairs each with a file
// path found in the fence info string, an annotation line above the fence,
// or a comment on the block's first line.
func parseFencedFiles(content string) []FileSpec {
	lines := strings.Split(content, "\n")
	var specs []FileSpec

	for i := 0; i < len(lines); i++ {
		open := fenceOpenRe.FindStringSubmatch(strings.TrimRight(lines[i], " \t"))
		if open == nil {
			continue
		}

		end := i + 1
		for end < len(lines) && strings.TrimSpace(lines[end]) != "```" {
			end++
		}
		if end >= len(lines) {
			break
		}
		body := lines[i+1 : end]

		path := pathFromInfoString(open[1])
		if path == "" && i > 0 {
			path = pathFromAnnotation(lines[i-1])
		}
		if path == "" && len(body) > 0 {
			if p := pathFromComment(body[0]); p != "" {
				path = p
				body = body[1:]
			}
		}

		if path != "" {
			specs = append(specs, FileSpec{
				Path:    path,
				Kind:    "modify",
				Content: strings.Join(body, "\n"),
			})
		}
		i = end
	}
	return specs
}

// pathFromInfoString pulls a path out of a fence info string such as
// "go path=src/foo.go", "ts src/api.ts", or "go:src/foo.go".
func pathFromInfoString(info string) string {
	info = strings.TrimSpace(info)
	if info == "" {
		return ""
	}
	for _, field := range strings.Fields(info) {
		field = strings.TrimPrefix(field, "path=")
		field = strings.TrimPrefix(field, "file=")
		if idx := strings.Index(field, ":"); idx != -1 {
			field = field[idx+1:]
		}
		if pathTokenRe.MatchString(field) && strings.Contains(field, ".") {
			return field
		}
	}
	return ""
}

func pathFromAnnotation(line string) string {
	m := annotationRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return ""
	}
	return m[1]
}

// pathFromComment recognizes "// src/foo.go" or "# scripts/run.py" on the
// first line of a block.
func pathFromComment(line string) string {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range []string{"//", "#", "--", "/*"} {
		if strings.HasPrefix(trimmed, prefix) {
			candidate := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed[len(prefix):]), "*/"))
			if pathTokenRe.MatchString(candidate) {
				return candidate
			}
		}
	}
	return ""
}

// ExtractFencedCode returns the body of the first fenced code block in the
// reply, with the info string dropped.
func ExtractFencedCode(content string) (string, bool) {
	lines := strings.Split(content, "\n")
	for i := 0; i < len(lines); i++ {
		if fenceOpenRe.MatchString(strings.TrimRight(lines[i], " \t")) {
			end := i + 1
			for end < len(lines) && strings.TrimSpace(lines[end]) != "```" {
				end++
			}
			if end >= len(lines) {
				return "", false
			}
			return strings.Join(lines[i+1:end], "\n"), true
		}
	}
	return "", false
}
