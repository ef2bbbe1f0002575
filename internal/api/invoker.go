// Package api provides direct Anthropic API integration for echelon agents.
package api

import (
	"context"
	"errors"

	"github.com/kunho817/echelon/pkg/models"
)

// ErrCancelled indicates an invocation was aborted through Cancel or a
// mission-level cancel rather than failing on its own.
var ErrCancelled = errors.New("invocation cancelled")

// Request describes one model invocation on behalf of a task.
type Request struct {
	// TaskID keys the invocation for Cancel. Empty disables cancellation.
	TaskID string
	// AgentID identifies the agent the invocation runs for, for logging.
	AgentID string
	// Prompt is the user-turn text.
	Prompt string
	// System is the system prompt. Empty means none.
	System string
	// Context is supplementary material (parent output, prior decisions)
	// prepended to the prompt.
	Context string
	// Model overrides per-level model selection when set.
	Model string
	// MaxTokens overrides the level's response budget when positive.
	MaxTokens int
}

// Usage reports token consumption for one invocation.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the outcome of a successful invocation.
type Response struct {
	// Content is the concatenated text of the reply.
	Content string
	// StructuredChanges is set when the reply already carried a parsed
	// file list, sparing the caller a second parse.
	StructuredChanges []FileSpec
	// Usage is the token consumption of this call.
	Usage Usage
}

// FileSpec is one proposed file change as it appears on the wire.
type FileSpec struct {
	Path    string `json:"filePath"`
	Kind    string `json:"changeType"`
	Content string `json:"content"`
}

// Invoker executes model invocations for the coordinator and the merge
// engine. Implementations must be safe for concurrent use.
type Invoker interface {
	// Execute runs one invocation at the given hierarchy level and blocks
	// until the reply arrives, the context ends, or Cancel fires for the
	// request's task.
	Execute(ctx context.Context, level models.Level, req Request) (*Response, error)
	// Cancel aborts the in-flight invocation for the task, if any, and
	// reports whether one was found.
	Cancel(taskID string) bool
}
