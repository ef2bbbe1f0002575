package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kunho817/echelon/internal/api"
	"github.com/kunho817/echelon/internal/approval"
	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/internal/decompose"
	"github.com/kunho817/echelon/internal/merge"
	"github.com/kunho817/echelon/internal/vbranch"
	"github.com/kunho817/echelon/internal/workspace"
	"github.com/kunho817/echelon/pkg/models"
)

// runTask is the per-task pipeline. It always reports exactly one completion
// back to the run loop, including after a panic.
func (c *Coordinator) runTask(ctx context.Context, task *models.Task, inf *inflight) {
	var (
		agentID string
		runErr  error
	)
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("task pipeline panic: %v", r)
			c.logger.Log("[task %s] %v", task.ID, runErr)
			if err := c.graph.Fail(task.ID, runErr); err != nil {
				c.logger.Log("[task %s] fail after panic: %v", task.ID, err)
			}
		}
		inf.cancel()
		c.completionCh <- completion{
			taskID:  task.ID,
			agentID: agentID,
			level:   task.Level,
			err:     runErr,
			elapsed: time.Since(inf.started),
		}
	}()

	agent, err := c.agents.FindOrSpawn(ctx, task.Level, task.Level.String(), c.parentAgentID(task))
	if err != nil {
		// Never assigned; the task stays pending for a later pass.
		runErr = fmt.Errorf("acquire %s agent: %w", task.Level, err)
		return
	}
	agentID = agent.ID

	if err := c.graph.Assign(task.ID, agentID); err != nil {
		runErr = fmt.Errorf("assign task: %w", err)
		return
	}
	if err := c.agents.AssignTask(agentID, task.ID); err != nil {
		runErr = c.failTask(task.ID, fmt.Errorf("assign agent: %w", err))
		return
	}
	if err := c.graph.Start(task.ID); err != nil {
		runErr = c.failTask(task.ID, fmt.Errorf("start task: %w", err))
		return
	}

	resp, err := c.invoker.Execute(ctx, task.Level, api.Request{
		TaskID:  task.ID,
		AgentID: agentID,
		Prompt:  decompose.Prompt(task, task.Level),
		System:  decompose.System(task.Level),
		Context: c.taskContext(task),
	})
	if err != nil {
		if errors.Is(err, api.ErrCancelled) || ctx.Err() != nil {
			if cerr := c.graph.Cancel(task.ID); cerr != nil {
				c.logger.Log("[task %s] cancel transition: %v", task.ID, cerr)
			}
			runErr = err
			return
		}
		runErr = c.failTask(task.ID, fmt.Errorf("invoke model: %w", err))
		return
	}
	c.tokens.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	if decompose.ShouldDecompose(task.Level) {
		runErr = c.finishDecomposition(task, resp)
		return
	}
	runErr = c.finishLeaf(ctx, task, agentID, resp)
}

// failTask routes a pipeline failure through the graph's retry logic and
// returns the original error for the completion record.
func (c *Coordinator) failTask(taskID string, taskErr error) error {
	if err := c.graph.Fail(taskID, taskErr); err != nil {
		c.logger.Log("[task %s] fail transition: %v", taskID, err)
	}
	return taskErr
}

// parentAgentID resolves the agent that produced this task's parent, so the
// hierarchy records who spawned whom.
func (c *Coordinator) parentAgentID(task *models.Task) string {
	if task.ParentID == "" {
		return ""
	}
	parent, err := c.graph.Get(task.ParentID)
	if err != nil {
		return ""
	}
	return parent.AssignedAgent
}

// taskContext assembles supplementary prompt material: a workspace survey
// for the root task, the parent's summary, and the outputs of satisfied
// dependencies.
func (c *Coordinator) taskContext(task *models.Task) string {
	var b strings.Builder
	if task.ParentID == "" {
		if layout := workspace.Survey(c.fs.Root(), c.cfg.StateDir); layout != "" {
			b.WriteString(layout)
			b.WriteString("\n\n")
		}
	}
	if task.ParentID != "" {
		if parent, err := c.graph.Get(task.ParentID); err == nil && parent.Output != "" {
			fmt.Fprintf(&b, "Parent objective: %s\n%s\n\n", parent.Title, parent.Output)
		}
	}
	for _, dep := range task.Dependencies {
		dt, err := c.graph.Get(dep.TaskID)
		if err != nil || dt.Output == "" {
			continue
		}
		fmt.Fprintf(&b, "Output of dependency %q:\n%s\n\n", dt.Title, dt.Output)
	}
	return strings.TrimSpace(b.String())
}

// finishDecomposition parses a non-leaf reply into subtasks and completes
// the parent with the decomposition summary.
func (c *Coordinator) finishDecomposition(task *models.Task, resp *api.Response) error {
	dec, err := decompose.Parse(resp.Content, task.Level)
	if err != nil {
		return c.failTask(task.ID, fmt.Errorf("parse decomposition: %w", err))
	}
	children, err := decompose.CreateSubTasks(c.graph, task, dec)
	if err != nil {
		return c.failTask(task.ID, fmt.Errorf("create subtasks: %w", err))
	}
	if len(children) == 0 {
		return c.failTask(task.ID, ErrEmptyDecomposition)
	}

	summary := strings.TrimSpace(dec.Summary)
	if summary == "" {
		summary = fmt.Sprintf("decomposed into %d subtask(s)", len(children))
	}
	if err := c.graph.Complete(task.ID, summary); err != nil {
		return c.failTask(task.ID, fmt.Errorf("complete after decomposition: %w", err))
	}
	next := decompose.NextLevel(task.Level)
	c.publish(bus.EventDecomposed, task.ID, fmt.Sprintf("%d subtask(s) at %s", len(children), next))
	c.logger.Log("[task %s] decomposed into %d %s subtask(s)", task.ID, len(children), next)
	return nil
}

// finishLeaf runs an executor result through isolation, conflict
// resolution, approval, and merge.
func (c *Coordinator) finishLeaf(ctx context.Context, task *models.Task, agentID string, resp *api.Response) error {
	changes := c.extractChanges(task, resp)
	if len(changes) == 0 {
		// Analysis-only result. Nothing to isolate or merge.
		c.logger.Log("[task %s] no file changes, completing with text output", task.ID)
		if err := c.graph.Complete(task.ID, strings.TrimSpace(resp.Content)); err != nil {
			return c.failTask(task.ID, fmt.Errorf("complete leaf: %w", err))
		}
		return nil
	}

	branch := c.branches.CreateBranch(agentID, task.ID)
	for _, fc := range changes {
		if err := c.branches.RecordChange(branch.ID, fc); err != nil {
			c.abandonBranch(branch.ID)
			return c.failTask(task.ID, fmt.Errorf("record change %s: %w", fc.Path, err))
		}
	}
	c.persistBranch(branch.ID)

	if err := c.settleConflicts(ctx); err != nil {
		c.abandonBranch(branch.ID)
		return c.failTask(task.ID, fmt.Errorf("settle conflicts: %w", err))
	}

	decision, changeSet, err := c.seekApproval(ctx, task, branch.ID)
	if err != nil {
		c.abandonBranch(branch.ID)
		return c.failTask(task.ID, err)
	}
	if !decision.Approved {
		c.abandonBranch(branch.ID)
		note := strings.TrimSpace(decision.Note)
		if note == "" {
			note = fmt.Sprintf("rejected by %s", decision.DecidedBy)
		}
		if err := c.graph.Reject(task.ID, note); err != nil {
			c.logger.Log("[task %s] reject transition: %v", task.ID, err)
		}
		c.logger.Log("[task %s] rejected (%s): %s", task.ID, decision.DecidedBy, note)
		return nil
	}

	// Point of no return: the shared workspace is mutated only here.
	c.mergeMu.Lock()
	report, err := c.branches.MergeBranch(branch.ID, c.fs)
	c.mergeMu.Unlock()
	c.persistBranch(branch.ID)
	if err != nil {
		return c.failTask(task.ID, fmt.Errorf("merge branch: %w", err))
	}
	if !report.Success() {
		total := len(report.Applied) + len(report.Failed)
		return c.failTask(task.ID, fmt.Errorf("merge applied %d of %d file(s)", len(report.Applied), total))
	}

	if err := c.graph.Complete(task.ID, summarizeChanges(changeSet)); err != nil {
		return c.failTask(task.ID, fmt.Errorf("complete after merge: %w", err))
	}
	if err := c.graph.MarkMerged(task.ID); err != nil {
		c.logger.Log("[task %s] merged transition: %v", task.ID, err)
	}
	c.logger.Log("[task %s] merged %d file(s) into workspace", task.ID, len(report.Applied))
	return nil
}

// settleConflicts detects and resolves every active conflict before any
// approval is sought. Resolution rewrites branches, so it holds the same
// mutex as workspace merges.
func (c *Coordinator) settleConflicts(ctx context.Context) error {
	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	if _, err := c.engine.DetectConflicts(); err != nil {
		return err
	}
	for _, conflict := range c.engine.ActiveConflicts() {
		res, err := c.engine.Resolve(ctx, conflict.ID)
		if err != nil {
			if errors.Is(err, merge.ErrConflictNotFound) {
				// Retired by an earlier resolution in this pass.
				continue
			}
			return fmt.Errorf("resolve %s: %w", conflict.FilePath, err)
		}
		if err := c.engine.ApplyResolution(res); err != nil {
			return fmt.Errorf("apply resolution for %s: %w", conflict.FilePath, err)
		}
		c.logger.Log("[merge] %s resolved via %s by %s", conflict.FilePath, res.Strategy, res.ResolvedBy)
	}
	return nil
}

// seekApproval runs the approval gate. A decision binds to the hash of the
// change set it was shown; when concurrent resolutions rewrite the branch
// mid-wait, the stale approval is discarded and the gate runs again.
func (c *Coordinator) seekApproval(ctx context.Context, task *models.Task, branchID string) (*approval.Decision, []vbranch.FileChange, error) {
	for attempt := 0; attempt < 3; attempt++ {
		changeSet, err := c.branches.ChangesFor(branchID)
		if err != nil {
			return nil, nil, fmt.Errorf("collect changes: %w", err)
		}
		decision, err := c.approvals.Request(ctx, task, changeSet)
		if err != nil {
			return nil, nil, fmt.Errorf("approval: %w", err)
		}
		if !decision.Approved {
			return decision, changeSet, nil
		}
		current, err := c.branches.ChangesFor(branchID)
		if err != nil {
			return nil, nil, fmt.Errorf("collect changes: %w", err)
		}
		if approval.Valid(decision, current) {
			return decision, current, nil
		}
		c.logger.Log("[task %s] change set drifted while approval was pending, asking again", task.ID)
	}
	return nil, nil, errors.New("approval invalidated by concurrent merges")
}

// abandonBranch retires a branch. Abandonment changes the conflict surface,
// so it is serialized with resolution and merge.
func (c *Coordinator) abandonBranch(branchID string) {
	c.mergeMu.Lock()
	err := c.branches.Abandon(branchID)
	c.mergeMu.Unlock()
	if err != nil {
		c.logger.Log("[branch %s] abandon: %v", branchID, err)
	}
	c.persistBranch(branchID)
}

// extractChanges turns a leaf response into branch changes: structured
// file lists first, fenced path-annotated blocks as fallback. Changes to
// guarded paths are dropped, and kinds are normalized against the
// workspace so originals are captured.
func (c *Coordinator) extractChanges(task *models.Task, resp *api.Response) []vbranch.FileChange {
	specs := resp.StructuredChanges
	if len(specs) == 0 {
		specs = api.ParseFileChanges(resp.Content)
	}

	changes := make([]vbranch.FileChange, 0, len(specs))
	for _, spec := range specs {
		if spec.Path == "" {
			continue
		}
		if blocked, rule := c.guard.Protected(spec.Path); blocked {
			c.logger.Log("[task %s] dropped change to protected path %s (%s)", task.ID, spec.Path, rule)
			continue
		}
		fc := vbranch.FileChange{
			Path:     spec.Path,
			Modified: spec.Content,
			Kind:     changeKind(spec.Kind),
		}
		if c.fs.Exists(spec.Path) {
			if orig, err := c.fs.ReadFile(spec.Path); err == nil {
				fc.Original = orig
			}
			if fc.Kind == vbranch.ChangeCreate {
				fc.Kind = vbranch.ChangeModify
			}
		} else if fc.Kind == vbranch.ChangeModify {
			fc.Kind = vbranch.ChangeCreate
		}
		changes = append(changes, fc)
	}
	return changes
}

// changeKind maps a response change type onto a branch change kind.
func changeKind(kind string) vbranch.ChangeKind {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "create", "add":
		return vbranch.ChangeCreate
	case "delete", "remove":
		return vbranch.ChangeDelete
	default:
		return vbranch.ChangeModify
	}
}

// summarizeChanges renders a short completion output for a merged leaf.
func summarizeChanges(changes []vbranch.FileChange) string {
	paths := make([]string, 0, len(changes))
	for _, fc := range changes {
		paths = append(paths, fc.Path)
	}
	sort.Strings(paths)
	return fmt.Sprintf("changed %d file(s): %s", len(paths), strings.Join(paths, ", "))
}
