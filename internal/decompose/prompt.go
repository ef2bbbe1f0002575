package decompose

import (
	"fmt"
	"strings"

	"github.com/kunho817/echelon/pkg/models"
)

// decompositionSchema is shown verbatim in every decomposition prompt so
// replies come back in the shape Parse expects.
const decompositionSchema = `{
  "summary": "One-paragraph summary of your plan",
  "decisions": ["Key decision 1", "Key decision 2"],
  "subTasks": [
    {
      "title": "Short subtask title",
      "description": "Detailed subtask description",
      "type": "design|implementation|verification",
      "priority": 5,
      "estimatedComplexity": "low|medium|high",
      "dependencies": ["title of another subtask in this list"]
    }
  ]
}`

// levelGuidance is the per-level framing prepended to the decomposition
// instructions. The leaf executor has no entry; it gets executorPrompt.
var levelGuidance = map[models.Level]string{
	models.LevelStrategist: `You are the strategist. Break the mission into its major strategic goals.
Each subtask should be a self-contained objective an architect can own.
Prefer 2-5 goals; do not descend into implementation detail.`,
	models.LevelArchitect: `You are the architect for one strategic goal. Decide the technical
approach and split the goal into architectural work areas. Record the
load-bearing choices in "decisions" so lower levels inherit them.`,
	models.LevelPlanner: `You are the planner for one architectural area. Produce concrete work
packages. Each package should name the part of the system it touches so
packages can proceed in parallel where possible.`,
	models.LevelLead: `You are the lead for one work package. Split it into buildable pieces
sized for a single builder. Declare dependencies between pieces that
must land in order.`,
	models.LevelBuilder: `You are the builder for one piece. Define the concrete implementation
units: each subtask must describe exactly what files or components an
executor edits, with enough detail to work without further questions.`,
}

const decompositionInstructions = `Respond with ONLY a JSON object in this exact structure (no other text):
%s

Guidelines:
- Subtasks should be as independent as possible to allow parallel execution
- Only list a dependency when one subtask truly needs another's result first
- dependencies entries must exactly match the title of another subtask in this list
- Use [] for dependencies when there are none
- priority is 1-10, higher runs first; omit it to inherit the parent's priority`

// executorPrompt asks the leaf level for file changes instead of a plan.
const executorPrompt = `You are the executor. Implement the task below by producing complete file contents.

Task: %s
%s
Respond with ONLY a JSON object in this exact structure (no other text):
{
  "files": [
    {
      "filePath": "relative/path/to/file.ext",
      "changeType": "create|modify|delete",
      "content": "the complete new file content"
    }
  ]
}

Guidelines:
- content holds the ENTIRE file after your change, not a diff
- changeType delete needs no content
- Touch only files this task requires
- If you cannot express the change as JSON, emit one fenced code block per file with the path on the fence line`

// Prompt renders the level prompt for a task: a decomposition request for
// planning levels, a file-change request for the executor.
func Prompt(task *models.Task, level models.Level) string {
	if level.IsLeaf() {
		detail := ""
		if task.Description != "" {
			detail = "\nDetail: " + task.Description + "\n"
		}
		return fmt.Sprintf(executorPrompt, task.Title, detail)
	}

	var b strings.Builder
	b.WriteString(levelGuidance[level])
	b.WriteString("\n\nTask: ")
	b.WriteString(task.Title)
	if task.Description != "" {
		b.WriteString("\nDetail: ")
		b.WriteString(task.Description)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, decompositionInstructions, decompositionSchema)
	return b.String()
}

// System returns the system prompt for a level.
func System(level models.Level) string {
	if level.IsLeaf() {
		return "You are a precise software engineer. You produce complete, correct file contents and nothing else."
	}
	return fmt.Sprintf("You are the %s in a six-level engineering hierarchy. You plan; levels below you build. You respond in strict JSON.", level)
}
