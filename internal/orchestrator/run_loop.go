package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/internal/taskgraph"
	"github.com/kunho817/echelon/internal/workspace"
	"github.com/kunho817/echelon/pkg/models"
)

// Run executes one mission from a planning document. It blocks until every
// task settles, the mission is cancelled, or ctx ends. The returned report
// is non-nil whenever a mission was started.
func (c *Coordinator) Run(ctx context.Context, planPath string) (*Report, error) {
	objective, body, err := loadPlan(planPath)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.mission != nil {
		c.mu.Unlock()
		return nil, errors.New("orchestrator: coordinator already ran a mission")
	}
	mission := &models.Mission{
		ID:        uuid.NewString(),
		Objective: objective,
		PlanPath:  planPath,
		Status:    models.MissionStatusRunning,
		StartedAt: time.Now(),
	}
	c.mission = mission
	c.mu.Unlock()

	c.persistMission(c.Mission())
	c.publish(bus.EventMissionStarted, "", objective)
	c.logger.Log("[coordinator] mission %s started: %s", mission.ID, objective)

	root, err := c.graph.CreateTask(taskgraph.TaskConfig{
		MissionID:   mission.ID,
		Title:       objective,
		Description: body,
		Type:        "design",
		Level:       models.LevelStrategist,
		Priority:    10,
	})
	if err != nil {
		return nil, fmt.Errorf("create root task: %w", err)
	}
	c.mu.Lock()
	c.mission.RootTaskID = root.ID
	c.mu.Unlock()
	c.persistMission(c.Mission())

	if c.signals != nil {
		go c.watchSignals(ctx)
	}

	start := time.Now()
	runErr := c.runLoop(ctx)
	report := c.finalize(time.Since(start))
	return report, runErr
}

// runLoop drives the mission. Each pass dispatches what the ceilings allow,
// then blocks on the wake channel, a completion, or cancellation; it never
// polls on a timer.
func (c *Coordinator) runLoop(ctx context.Context) error {
	for {
		if c.isCancelled() {
			c.cancelPending()
			c.drain()
			c.logger.Log("[loop] halted after cancel, all in-flight tasks settled")
			return nil
		}

		if err := c.pause.WaitIfPaused(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				continue
			}
			c.CancelMission("run context ended")
			continue
		}

		c.dispatchReady(ctx)

		if c.idle() {
			c.logger.Log("[loop] no ready tasks and nothing in flight, mission settled")
			return nil
		}

		select {
		case <-ctx.Done():
			c.CancelMission("run context ended")
		case comp := <-c.completionCh:
			c.handleCompletion(comp)
		case <-c.graph.WakeCh():
			// Graph changed; re-evaluate ready tasks.
		}
	}
}

// dispatchReady starts as many ready tasks as the global and per-level
// ceilings allow. Saturated levels are skipped, not discarded; their tasks
// stay ready for the next pass. Returns the number dispatched.
func (c *Coordinator) dispatchReady(ctx context.Context) int {
	ready := c.graph.ReadyTasks()
	if len(ready) == 0 {
		return 0
	}

	dispatched := 0
	for _, task := range ready {
		if ctx.Err() != nil {
			break
		}

		c.mu.Lock()
		if c.cancelled {
			c.mu.Unlock()
			break
		}
		if _, dup := c.inflight[task.ID]; dup {
			c.mu.Unlock()
			continue
		}
		global := c.cfg.Execution.GlobalMaxConcurrent
		if global > 0 && len(c.inflight) >= global {
			inFlight := len(c.inflight)
			c.mu.Unlock()
			c.logger.Log("[loop] global ceiling reached, %d in flight", inFlight)
			break
		}
		levelMax := c.cfg.LevelFor(task.Level).MaxConcurrent
		if levelMax > 0 && c.occupancy[task.Level] >= levelMax {
			c.mu.Unlock()
			c.logger.Log("[loop] level %s saturated, skipping %s", task.Level, task.ID)
			continue
		}

		taskCtx, cancel := context.WithCancel(ctx)
		inf := &inflight{
			taskID:  task.ID,
			level:   task.Level,
			started: time.Now(),
			cancel:  cancel,
		}
		c.inflight[task.ID] = inf
		c.occupancy[task.Level]++
		c.mu.Unlock()

		if dispatched > 0 {
			c.staggerDelay(ctx)
		}
		c.logger.Log("[loop] dispatching %s task %s: %s", task.Level, task.ID, task.Title)
		go c.runTask(taskCtx, task, inf)
		dispatched++
	}
	return dispatched
}

// staggerDelay spaces dispatches within one batch.
func (c *Coordinator) staggerDelay(ctx context.Context) {
	ms := c.cfg.Execution.StaggerMillis
	if ms <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
}

// handleCompletion retires an in-flight entry. Occupancy is released
// whatever the outcome, so a failed task never leaks a slot.
func (c *Coordinator) handleCompletion(comp completion) {
	c.mu.Lock()
	delete(c.inflight, comp.taskID)
	if c.occupancy[comp.level] > 0 {
		c.occupancy[comp.level]--
	}
	remaining := len(c.inflight)
	c.mu.Unlock()

	if comp.agentID != "" {
		if err := c.agents.CompleteTask(comp.agentID, comp.err == nil, comp.elapsed); err != nil {
			// The pipeline bailed before the agent got its assignment.
			c.agents.Release(comp.agentID)
		}
	}

	if comp.err != nil {
		c.logger.Log("[loop] task %s settled with error after %s: %v (%d in flight)",
			comp.taskID, comp.elapsed.Round(time.Millisecond), comp.err, remaining)
		return
	}
	c.logger.Log("[loop] task %s settled in %s (%d in flight)",
		comp.taskID, comp.elapsed.Round(time.Millisecond), remaining)
}

// idle reports whether the loop has nothing left to do.
func (c *Coordinator) idle() bool {
	c.mu.Lock()
	inFlight := len(c.inflight)
	c.mu.Unlock()
	if inFlight > 0 {
		return false
	}
	return len(c.graph.ReadyTasks()) == 0
}

// drain consumes completions until no task is in flight.
func (c *Coordinator) drain() {
	for {
		c.mu.Lock()
		remaining := len(c.inflight)
		c.mu.Unlock()
		if remaining == 0 {
			return
		}
		comp := <-c.completionCh
		c.handleCompletion(comp)
	}
}

// cancelPending cancels every mission task that has not been dispatched.
// In-flight tasks are settled by their own pipelines.
func (c *Coordinator) cancelPending() {
	c.mu.Lock()
	missionID := ""
	if c.mission != nil {
		missionID = c.mission.ID
	}
	dispatched := make(map[string]bool, len(c.inflight))
	for id := range c.inflight {
		dispatched[id] = true
	}
	c.mu.Unlock()
	if missionID == "" {
		return
	}

	for _, task := range c.graph.TasksForMission(missionID) {
		if task.Status != models.TaskStatusPending || dispatched[task.ID] {
			continue
		}
		if err := c.graph.Cancel(task.ID); err != nil {
			c.logger.Log("[loop] cancel pending task %s: %v", task.ID, err)
		}
	}
}

// watchSignals translates signal files into coordinator controls.
func (c *Coordinator) watchSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-c.signals.Ch():
			if !ok {
				return
			}
			switch sig {
			case workspace.SignalPause:
				c.Pause()
			case workspace.SignalResume:
				c.Resume()
			case workspace.SignalCancel:
				c.CancelMission("cancel signal received")
			}
		}
	}
}

// loadPlan reads the planning document and derives the mission objective.
func loadPlan(path string) (objective, body string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read plan: %w", err)
	}
	body = string(raw)
	if strings.TrimSpace(body) == "" {
		return "", "", fmt.Errorf("plan %s is empty", path)
	}
	return planObjective(body, path), body, nil
}

// planObjective takes the first markdown heading, else the first non-empty
// line, else the file name.
func planObjective(body, path string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if trimmed := strings.TrimSpace(strings.TrimLeft(line, "# ")); trimmed != "" {
			return trimmed
		}
	}
	return filepath.Base(path)
}
