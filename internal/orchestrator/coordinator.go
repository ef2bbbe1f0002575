package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kunho817/echelon/internal/api"
	"github.com/kunho817/echelon/internal/approval"
	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/internal/config"
	"github.com/kunho817/echelon/internal/hierarchy"
	"github.com/kunho817/echelon/internal/merge"
	"github.com/kunho817/echelon/internal/regions"
	"github.com/kunho817/echelon/internal/state"
	"github.com/kunho817/echelon/internal/taskgraph"
	"github.com/kunho817/echelon/internal/vbranch"
	"github.com/kunho817/echelon/internal/workspace"
	"github.com/kunho817/echelon/pkg/models"
)

// ErrEmptyDecomposition reports that a non-leaf task produced no subtasks.
var ErrEmptyDecomposition = errors.New("decomposition produced no subtasks")

// defaultBusBuffer sizes the async side of a Coordinator-owned bus.
const defaultBusBuffer = 64

// Coordinator owns one mission at a time. It drives the task graph through
// decomposition and execution, keeps dispatch under the configured ceilings,
// and funnels every leaf's changes through conflict resolution and the
// approval gate before they touch the workspace.
type Coordinator struct {
	cfg     *config.Config
	invoker api.Invoker

	graph     *taskgraph.Manager
	agents    *hierarchy.Manager
	branches  *vbranch.Store
	engine    *merge.Engine
	approvals *approval.Manager
	fs        *workspace.FS
	guard     *workspace.Guard
	signals   *workspace.Signals
	store     *state.Store
	events    *bus.Bus
	logger    *DebugLogger
	pause     *PauseController
	tokens    *api.TokenTracker

	// mu guards mission, inflight, occupancy, and cancelled.
	mu        sync.Mutex
	mission   *models.Mission
	inflight  map[string]*inflight
	occupancy map[models.Level]int
	cancelled bool

	// mergeMu serializes conflict resolution and workspace merges. The
	// workspace is mutated only while it is held.
	mergeMu sync.Mutex

	completionCh chan completion
}

// inflight tracks one dispatched task.
type inflight struct {
	taskID  string
	level   models.Level
	started time.Time
	cancel  func()
}

// completion is what a task pipeline reports back to the run loop.
type completion struct {
	taskID  string
	agentID string
	level   models.Level
	err     error
	elapsed time.Duration
}

// New builds a Coordinator and wires the managers to the bus, the debug
// logger, and the persistence store.
func New(req RequiredConfig, opts ...Option) (*Coordinator, error) {
	if req.ProjectRoot == "" {
		return nil, errors.New("orchestrator: ProjectRoot is required")
	}
	if req.Config == nil {
		return nil, errors.New("orchestrator: Config is required")
	}
	if req.Invoker == nil {
		return nil, errors.New("orchestrator: Invoker is required")
	}

	var o coordinatorOptions
	for _, opt := range opts {
		opt(&o)
	}

	fs, err := workspace.NewFS(req.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: workspace: %w", err)
	}

	c := &Coordinator{
		cfg:          req.Config,
		invoker:      req.Invoker,
		fs:           fs,
		guard:        workspace.NewGuard(req.Config.StateDir),
		signals:      o.signals,
		store:        o.store,
		logger:       o.logger,
		pause:        NewPauseController(),
		tokens:       api.NewTokenTracker(),
		inflight:     make(map[string]*inflight),
		occupancy:    make(map[models.Level]int),
		completionCh: make(chan completion, completionBuffer(req.Config)),
	}
	if c.logger == nil {
		c.logger = NopLogger()
	}

	c.events = o.bus
	if c.events == nil {
		c.events = bus.New(defaultBusBuffer)
	}

	c.graph = o.graph
	if c.graph == nil {
		c.graph = taskgraph.New()
	}
	c.agents = o.agents
	if c.agents == nil {
		c.agents = hierarchy.New(spawnCeilings(req.Config))
	}
	c.branches = o.branches
	if c.branches == nil {
		c.branches = vbranch.NewStore()
	}
	c.engine = o.engine
	if c.engine == nil {
		c.engine = merge.NewEngine(c.branches, regions.NewAnalyzer())
	}
	c.approvals = o.approvals
	if c.approvals == nil {
		timeout := time.Duration(req.Config.Approval.TimeoutMinutes) * time.Minute
		c.approvals = approval.New(timeout)
		c.approvals.SetAutoApprove(req.Config.Approval.AutoApprove)
	}

	c.wire()
	return c, nil
}

// wire connects the managers to the bus, logger, and store.
func (c *Coordinator) wire() {
	debug := c.logger.Log

	c.graph.SetBus(c.events)
	c.graph.SetDebugLog(debug)
	c.agents.SetBus(c.events)
	c.agents.SetDebugLog(debug)
	c.branches.SetBus(c.events)
	c.branches.SetDebugLog(debug)
	c.engine.SetBus(c.events)
	c.engine.SetDebugLog(debug)
	c.engine.SetInvoker(c.invoker, c.cfg.Anthropic.MergeModel)
	c.approvals.SetBus(c.events)
	c.approvals.SetDebugLog(debug)
	if c.signals != nil {
		c.signals.SetDebugLog(debug)
	}

	if c.store != nil {
		store := c.store
		c.graph.SetPersist(func(t *models.Task) {
			if err := store.SaveTask(t); err != nil {
				debug("[persist] task %s: %v", t.ID, err)
			}
		})
		c.agents.SetPersist(func(a *models.Agent) {
			if err := store.SaveAgent(a); err != nil {
				debug("[persist] agent %s: %v", a.ID, err)
			}
		})
	}
}

// spawnCeilings collects per-level agent population limits from config.
func spawnCeilings(cfg *config.Config) map[models.Level]int {
	ceilings := make(map[models.Level]int)
	for lvl := models.LevelStrategist; lvl <= models.LevelExecutor; lvl++ {
		ceilings[lvl] = cfg.LevelFor(lvl).SpawnCeiling
	}
	return ceilings
}

// completionBuffer sizes the completion channel so no pipeline goroutine can
// block on delivery while the loop is busy.
func completionBuffer(cfg *config.Config) int {
	n := cfg.Execution.GlobalMaxConcurrent
	if n < 8 {
		n = 8
	}
	return 2 * n
}

// Bus returns the event bus consumers subscribe to.
func (c *Coordinator) Bus() *bus.Bus { return c.events }

// Graph returns the task graph manager.
func (c *Coordinator) Graph() *taskgraph.Manager { return c.graph }

// Approvals returns the approval manager the console submits decisions to.
func (c *Coordinator) Approvals() *approval.Manager { return c.approvals }

// Branches returns the virtual branch store.
func (c *Coordinator) Branches() *vbranch.Store { return c.branches }

// Tokens returns the coordinator's token usage tracker.
func (c *Coordinator) Tokens() *api.TokenTracker { return c.tokens }

// Mission returns a snapshot of the current mission, or nil before Run.
func (c *Coordinator) Mission() *models.Mission {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mission == nil {
		return nil
	}
	snapshot := *c.mission
	return &snapshot
}

// Pause suspends dispatch. In-flight tasks keep running.
func (c *Coordinator) Pause() {
	c.pause.Pause()
	c.logger.Log("[coordinator] paused, in-flight tasks continue")
}

// Resume lifts a pause.
func (c *Coordinator) Resume() {
	c.pause.Resume()
	c.logger.Log("[coordinator] resumed")
}

// CancelMission aborts the running mission: every in-flight invocation is
// cancelled, dispatch stops, and the loop drains before halting.
func (c *Coordinator) CancelMission(reason string) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	infs := make([]*inflight, 0, len(c.inflight))
	for _, inf := range c.inflight {
		infs = append(infs, inf)
	}
	mission := c.mission
	c.mu.Unlock()

	c.logger.Log("[coordinator] mission cancel requested: %s", reason)
	for _, inf := range infs {
		c.invoker.Cancel(inf.taskID)
		inf.cancel()
	}
	// Unblock a paused loop so it can drain and halt.
	c.pause.Stop()
	if mission != nil {
		c.publish(bus.EventMissionCancelled, "", reason)
	}
}

// isCancelled reports whether CancelMission has been called.
func (c *Coordinator) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// publish emits a mission-scoped event.
func (c *Coordinator) publish(eventType bus.EventType, taskID, message string) {
	c.mu.Lock()
	missionID := ""
	if c.mission != nil {
		missionID = c.mission.ID
	}
	c.mu.Unlock()
	c.events.Publish(bus.Event{
		Type:      eventType,
		MissionID: missionID,
		TaskID:    taskID,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// persistMission mirrors the mission record, fire-and-forget.
func (c *Coordinator) persistMission(m *models.Mission) {
	if c.store == nil || m == nil {
		return
	}
	if err := c.store.SaveMission(m); err != nil {
		c.logger.Log("[persist] mission %s: %v", m.ID, err)
	}
}

// persistBranch mirrors a branch record, fire-and-forget.
func (c *Coordinator) persistBranch(branchID string) {
	if c.store == nil {
		return
	}
	branch, err := c.branches.Get(branchID)
	if err != nil {
		return
	}
	if err := c.store.SaveBranch(branch); err != nil {
		c.logger.Log("[persist] branch %s: %v", branchID, err)
	}
}
