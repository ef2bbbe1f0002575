// Package decompose turns model replies into child tasks on the task graph.
package decompose

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kunho817/echelon/internal/taskgraph"
	"github.com/kunho817/echelon/pkg/models"
)

// ErrParseFailure indicates a reply contained no recognizable decomposition.
// It never escapes Parse: the fallback chain absorbs it by synthesizing a
// continuation task.
var ErrParseFailure = errors.New("no parseable decomposition in response")

// SubTask is the wire structure for a single child task in a reply.
type SubTask struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Type         string   `json:"type"`
	Priority     int      `json:"priority"`
	Complexity   string   `json:"estimatedComplexity"`
	Dependencies []string `json:"dependencies"`
}

// Decomposition is a parsed reply: a summary that becomes the parent's
// output, the decisions the level recorded, and the child tasks to create.
type Decomposition struct {
	Summary   string    `json:"summary"`
	Decisions []string  `json:"decisions"`
	SubTasks  []SubTask `json:"subTasks"`
}

// ShouldDecompose reports whether tasks at this level fan out into
// children. Only the executor level produces file changes directly.
func ShouldDecompose(level models.Level) bool {
	return !level.IsLeaf()
}

// NextLevel returns the level decomposed children are created at.
func NextLevel(level models.Level) models.Level {
	return level.Next()
}

// Parse extracts a decomposition from a raw model reply. Extraction runs
// in three stages: the outermost JSON object (prose around it and a
// {"plan": {...}} wrapper are tolerated), then numbered or bulleted
// outline lines, then a single continuation task carrying the whole
// reply. It never returns zero subtasks alongside a nil error.
func Parse(raw string, level models.Level) (*Decomposition, error) {
	if dec, err := parseJSON(raw); err == nil {
		return dec, nil
	}
	if dec := parseOutline(raw); dec != nil {
		return dec, nil
	}
	return continuation(raw, level), nil
}

// parseJSON pulls the outermost {...} out of the reply and unmarshals it,
// unwrapping a "plan" envelope if the top-level object has no subtasks.
func parseJSON(raw string) (*Decomposition, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return nil, ErrParseFailure
	}
	payload := []byte(raw[start : end+1])

	var dec Decomposition
	if err := json.Unmarshal(payload, &dec); err == nil && len(dec.SubTasks) > 0 {
		normalize(&dec)
		return &dec, nil
	}

	var wrapped struct {
		Plan Decomposition `json:"plan"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Plan.SubTasks) > 0 {
		normalize(&wrapped.Plan)
		return &wrapped.Plan, nil
	}

	return nil, ErrParseFailure
}

func normalize(dec *Decomposition) {
	for i := range dec.SubTasks {
		dec.SubTasks[i].Title = strings.TrimSpace(dec.SubTasks[i].Title)
		if dec.SubTasks[i].Title == "" {
			dec.SubTasks[i].Title = fmt.Sprintf("subtask %d", i+1)
		}
	}
}

// outlineRe matches one numbered or bulleted line: "1. text", "2) text",
// "- text", "* text".
var outlineRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s+(.+)$`)

// parseOutline recovers a decomposition from a plain-prose reply that
// lists steps as an outline. Returns nil when no outline lines exist.
func parseOutline(raw string) *Decomposition {
	var subs []SubTask
	for _, line := range strings.Split(raw, "\n") {
		m := outlineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		text := strings.TrimSpace(m[1])
		if text == "" {
			continue
		}
		title, desc := text, text
		// "Title: longer description" lines split into the two fields.
		if idx := strings.Index(text, ":"); idx > 0 && idx < len(text)-1 {
			title = strings.TrimSpace(text[:idx])
			desc = strings.TrimSpace(text[idx+1:])
		}
		subs = append(subs, SubTask{Title: title, Description: desc})
	}
	if len(subs) == 0 {
		return nil
	}
	return &Decomposition{Summary: firstLine(raw), SubTasks: subs}
}

// continuation wraps an unparseable reply in a single child task so the
// mission keeps moving instead of failing on reply shape.
func continuation(raw string, level models.Level) *Decomposition {
	summary := firstLine(raw)
	if summary == "" {
		summary = "decomposition reply was free-form; continuing with one task"
	}
	desc := strings.TrimSpace(raw)
	if desc == "" {
		desc = "Carry the parent task forward; the previous level produced no structured plan."
	}
	return &Decomposition{
		Summary: summary,
		SubTasks: []SubTask{{
			Title:       fmt.Sprintf("continue %s work", NextLevel(level)),
			Description: desc,
		}},
	}
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

// CreateSubTasks materializes a decomposition as children of parent on the
// graph. Children land one level below the parent, capped at the leaf.
// Dependency titles resolve to blocking edges once every child exists;
// titles that match no sibling are dropped, as are edges the graph rejects
// as cyclic.
func CreateSubTasks(graph *taskgraph.Manager, parent *models.Task, dec *Decomposition) ([]*models.Task, error) {
	level := NextLevel(parent.Level)

	titleToID := make(map[string]string, len(dec.SubTasks))
	created := make([]*models.Task, 0, len(dec.SubTasks))
	for _, sub := range dec.SubTasks {
		priority := sub.Priority
		if priority == 0 {
			priority = parent.Priority
		}
		task, err := graph.CreateTask(taskgraph.TaskConfig{
			MissionID:   parent.MissionID,
			ParentID:    parent.ID,
			Title:       sub.Title,
			Description: sub.Description,
			Type:        sub.Type,
			Level:       level,
			Priority:    priority,
			Complexity:  sub.Complexity,
		})
		if err != nil {
			return created, fmt.Errorf("create subtask %q: %w", sub.Title, err)
		}
		titleToID[sub.Title] = task.ID
		created = append(created, task)
	}

	for i, sub := range dec.SubTasks {
		for _, depTitle := range sub.Dependencies {
			depID, ok := titleToID[strings.TrimSpace(depTitle)]
			if !ok || depID == created[i].ID {
				continue
			}
			err := graph.AddDependency(created[i].ID, models.DependencyEdge{
				TaskID: depID,
				Kind:   models.DependencyBlocking,
			})
			if errors.Is(err, taskgraph.ErrCycleDetected) {
				continue
			}
			if err != nil {
				return created, fmt.Errorf("link %q to %q: %w", sub.Title, depTitle, err)
			}
		}
	}

	return created, nil
}
