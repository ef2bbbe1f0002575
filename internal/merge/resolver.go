package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kunho817/echelon/internal/api"
	"github.com/kunho817/echelon/pkg/models"
)

// ErrAIMerge indicates the model-assisted pass replied without a usable
// fenced resolution. Extraction failure is pass failure, never success.
var ErrAIMerge = errors.New("no fenced resolution in model reply")

// resolveSystemPrompt steers the model toward intent-preserving merges.
const resolveSystemPrompt = `You are a merge conflict resolver. Understand the INTENT of each change, not just the text.

When resolving conflicts:
1. Analyze what each branch is trying to accomplish
2. Preserve the intent of both changes when possible
3. If changes are truly incompatible, favor the change that maintains correctness
4. Ensure the merged result stays logically consistent
5. Reply with exactly one fenced code block holding the full merged file content`

// resolvePromptTemplate carries the base/ours/theirs triple plus the
// overlapping regions to the model.
const resolvePromptTemplate = `Resolve the conflict in %s.

Overlapping regions:
%s
Common ancestor:
%s

Branch %s version:
%s

Branch %s version:
%s

Return the complete merged file content in a single fenced code block. Any text outside the block is ignored.`

// stage is one pass of the resolution pipeline. run returns the resolved
// content and the resolver identity.
type stage struct {
	strategy Strategy
	run      func(ctx context.Context, c *Conflict) (content, resolvedBy string, err error)
}

// resolver walks a conflict through the three passes in order.
type resolver struct {
	engine  *Engine
	invoker api.Invoker
	model   string
}

func newResolver(e *Engine) *resolver {
	return &resolver{engine: e}
}

// Resolve runs the pipeline over one active conflict: the deterministic
// three-way pass, then the model-assisted pass, then the marker document.
// The first pass to produce content wins; every pass leaves an attempt
// record on the conflict. The returned resolution still has to be applied
// with ApplyResolution.
func (e *Engine) Resolve(ctx context.Context, conflictID string) (*Resolution, error) {
	conflict, err := e.Get(conflictID)
	if err != nil {
		return nil, err
	}
	if conflict.Status != ConflictDetected {
		return nil, fmt.Errorf("resolve %s conflict %s: %w", conflict.Status, conflictID, ErrConflictNotFound)
	}
	return e.resolver.resolve(ctx, conflict)
}

func (r *resolver) resolve(ctx context.Context, c *Conflict) (*Resolution, error) {
	for _, s := range r.stages() {
		content, resolvedBy, err := s.run(ctx, c)
		r.recordAttempt(c.ID, s.strategy, err)
		if err != nil {
			r.engine.debugLog("[merge.resolve] %s pass failed for %s: %v", s.strategy, c.ID, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		r.engine.debugLog("[merge.resolve] conflict %s resolved by %s pass", c.ID, s.strategy)
		return &Resolution{
			ConflictID: c.ID,
			Content:    content,
			Strategy:   s.strategy,
			ResolvedBy: resolvedBy,
		}, nil
	}
	// The manual pass cannot fail, so the walk never falls through.
	return nil, fmt.Errorf("resolution pipeline exhausted for conflict %s", c.ID)
}

func (r *resolver) stages() []stage {
	return []stage{
		{strategy: StrategyAuto, run: r.runAuto},
		{strategy: StrategyAI, run: r.runAI},
		{strategy: StrategyManual, run: r.runManual},
	}
}

// runAuto succeeds only when the line-aligned walk reconciles every span.
func (r *resolver) runAuto(_ context.Context, c *Conflict) (string, string, error) {
	result := ThreeWayMerge(c.Ancestor, c.Ours, c.Theirs, shortID(c.BranchA), shortID(c.BranchB))
	if !result.Success {
		return "", "", fmt.Errorf("three-way merge left %d conflict spans", len(result.Spans))
	}
	return result.Content, "three-way", nil
}

// runAI submits the base/ours/theirs triple to the highest-capability
// model and takes the fenced code block of the reply as the resolution.
func (r *resolver) runAI(ctx context.Context, c *Conflict) (string, string, error) {
	if r.invoker == nil {
		return "", "", errors.New("model-assisted pass unavailable: no invoker")
	}

	prompt := fmt.Sprintf(resolvePromptTemplate,
		c.FilePath,
		describeRegions(c),
		c.Ancestor,
		shortID(c.BranchA), c.Ours,
		shortID(c.BranchB), c.Theirs)

	resp, err := r.invoker.Execute(ctx, models.LevelStrategist, api.Request{
		TaskID: "merge-" + c.ID,
		Prompt: prompt,
		System: resolveSystemPrompt,
		Model:  r.model,
	})
	if err != nil {
		return "", "", fmt.Errorf("model-assisted merge: %w", err)
	}

	content, ok := api.ExtractFencedCode(resp.Content)
	if !ok || strings.TrimSpace(content) == "" {
		return "", "", fmt.Errorf("conflict %s: %w", c.ID, ErrAIMerge)
	}
	return content, resolvedByModel(r.model), nil
}

// runManual emits the marker-annotated document for human resolution.
func (r *resolver) runManual(_ context.Context, c *Conflict) (string, string, error) {
	result := ThreeWayMerge(c.Ancestor, c.Ours, c.Theirs, shortID(c.BranchA), shortID(c.BranchB))
	return result.Content, "operator", nil
}

func (r *resolver) recordAttempt(conflictID string, s Strategy, err error) {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	c, ok := r.engine.conflicts[conflictID]
	if !ok {
		return
	}
	attempt := StageAttempt{Strategy: s, At: time.Now()}
	if err != nil {
		attempt.Err = err.Error()
	}
	c.Attempts = append(c.Attempts, attempt)
}

func describeRegions(c *Conflict) string {
	if len(c.Regions) == 0 {
		return "  (file-level overlap)\n"
	}
	var sb strings.Builder
	for _, pair := range c.Regions {
		fmt.Fprintf(&sb, "  - %s %s (lines %d-%d) clashes with %s %s (lines %d-%d)\n",
			pair.Ours.Kind, pair.Ours.Name, pair.Ours.StartLine, pair.Ours.EndLine,
			pair.Theirs.Kind, pair.Theirs.Name, pair.Theirs.StartLine, pair.Theirs.EndLine)
	}
	return sb.String()
}

func resolvedByModel(model string) string {
	if model == "" {
		return "model"
	}
	return model
}
