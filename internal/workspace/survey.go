package workspace

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// surveyDirLimit caps how many directories a survey reports.
const surveyDirLimit = 16

// surveyExampleLimit caps how many file names a directory line shows.
const surveyExampleLimit = 3

// Survey walks a project root and renders a short layout overview for
// prompt context: the directories holding code, their file counts, and a
// few example names. The orchestrator state dir, dot directories, and
// dependency trees like node_modules and vendor are skipped.
func Survey(root, stateDir string) string {
	stateRel := ""
	if stateDir != "" {
		stateRel = filepath.ToSlash(filepath.Clean(stateDir))
	}

	byDir := make(map[string][]string)
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor" || rel == stateRel {
				return filepath.SkipDir
			}
			return nil
		}
		if !codeFile(rel) {
			return nil
		}
		dir := filepath.ToSlash(filepath.Dir(rel))
		byDir[dir] = append(byDir[dir], filepath.Base(rel))
		return nil
	})
	if len(byDir) == 0 {
		return ""
	}

	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if len(byDir[dirs[i]]) != len(byDir[dirs[j]]) {
			return len(byDir[dirs[i]]) > len(byDir[dirs[j]])
		}
		return dirs[i] < dirs[j]
	})

	shown := dirs
	if len(shown) > surveyDirLimit {
		shown = shown[:surveyDirLimit]
	}

	var b strings.Builder
	b.WriteString("Project layout:\n")
	for _, dir := range shown {
		files := byDir[dir]
		sort.Strings(files)
		label := dir
		if label == "." {
			label = "(root)"
		}
		examples := files
		suffix := ""
		if len(examples) > surveyExampleLimit {
			examples = examples[:surveyExampleLimit]
			suffix = ", ..."
		}
		noun := "files"
		if len(files) == 1 {
			noun = "file"
		}
		fmt.Fprintf(&b, "  %s: %d %s (%s%s)\n", label, len(files), noun, strings.Join(examples, ", "), suffix)
	}
	if extra := len(dirs) - len(shown); extra > 0 {
		fmt.Fprintf(&b, "  ... and %d more directories\n", extra)
	}
	return strings.TrimRight(b.String(), "\n")
}

// codeFile reports whether the path looks like source worth counting.
func codeFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go", ".js", ".ts", ".jsx", ".tsx", ".py", ".rb", ".java",
		".c", ".cpp", ".h", ".hpp", ".rs", ".php", ".swift", ".kt":
		return true
	}
	return false
}
