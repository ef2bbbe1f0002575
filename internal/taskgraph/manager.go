// Package taskgraph owns the lifecycle and dependency state of every task.
// All task mutation goes through the Manager; callers receive copies.
package taskgraph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/pkg/models"
)

// ErrTaskNotFound indicates an operation referenced an unknown task ID.
var ErrTaskNotFound = errors.New("task not found")

// ErrInvalidTransition indicates a status change outside the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// maxRetries is how many failures a task absorbs before it is terminal.
const maxRetries = 3

// validTransitions is the task state machine. Pending re-entry from
// assigned and running exists only for the bounded retry cycle.
var validTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusPending:   {models.TaskStatusAssigned, models.TaskStatusCancelled},
	models.TaskStatusAssigned:  {models.TaskStatusRunning, models.TaskStatusCancelled, models.TaskStatusPending},
	models.TaskStatusRunning:   {models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled, models.TaskStatusRejected, models.TaskStatusPending},
	models.TaskStatusCompleted: {models.TaskStatusMerged},
	models.TaskStatusFailed:    {},
	models.TaskStatusCancelled: {},
	models.TaskStatusRejected:  {},
	models.TaskStatusMerged:    {},
}

func transitionAllowed(from, to models.TaskStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskConfig describes a task to create.
type TaskConfig struct {
	MissionID    string
	ParentID     string
	Title        string
	Description  string
	Type         string
	Level        models.Level
	Priority     int
	Complexity   string
	Dependencies []models.DependencyEdge
}

// PersistFunc receives a task snapshot after every mutation. It is invoked
// fire-and-forget; the in-memory graph stays authoritative.
type PersistFunc func(*models.Task)

// Manager is the arena of task records. Parent/child and dependency links
// are ID references, never pointers.
type Manager struct {
	mu sync.RWMutex
	// tasks maps task ID to the authoritative record.
	tasks map[string]*models.Task
	// dependents maps task ID to the IDs of tasks holding an edge to it.
	dependents map[string][]string
	// wakeCh is pulsed on every state change so the coordinator loop can
	// block instead of polling.
	wakeCh   chan struct{}
	bus      *bus.Bus
	persist  PersistFunc
	debugLog func(format string, args ...interface{})
}

// New creates an empty task graph manager.
func New() *Manager {
	return &Manager{
		tasks:      make(map[string]*models.Task),
		dependents: make(map[string][]string),
		wakeCh:     make(chan struct{}, 1),
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetBus wires the event bus. Events are published synchronously after the
// mutation commits.
func (m *Manager) SetBus(b *bus.Bus) { m.bus = b }

// SetPersist wires the durability hook.
func (m *Manager) SetPersist(fn PersistFunc) { m.persist = fn }

// SetDebugLog sets the debug logging function.
func (m *Manager) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		m.debugLog = fn
	}
}

// WakeCh returns the channel pulsed on every task state change.
func (m *Manager) WakeCh() <-chan struct{} { return m.wakeCh }

// CreateTask registers a new task in pending state. Dependency targets must
// already exist in the graph.
func (m *Manager) CreateTask(cfg TaskConfig) (*models.Task, error) {
	if !cfg.Level.Valid() {
		return nil, fmt.Errorf("create task %q: invalid level %d", cfg.Title, cfg.Level)
	}

	m.mu.Lock()
	for _, dep := range cfg.Dependencies {
		if !dep.Kind.Valid() {
			m.mu.Unlock()
			return nil, fmt.Errorf("create task %q: invalid dependency kind %q", cfg.Title, dep.Kind)
		}
		if _, ok := m.tasks[dep.TaskID]; !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("create task %q: dependency %s: %w", cfg.Title, dep.TaskID, ErrTaskNotFound)
		}
	}

	task := &models.Task{
		ID:           uuid.New().String(),
		MissionID:    cfg.MissionID,
		ParentID:     cfg.ParentID,
		Title:        cfg.Title,
		Description:  cfg.Description,
		Type:         cfg.Type,
		Level:        cfg.Level,
		Status:       models.TaskStatusPending,
		Priority:     cfg.Priority,
		Complexity:   cfg.Complexity,
		Dependencies: append([]models.DependencyEdge(nil), cfg.Dependencies...),
		CreatedAt:    time.Now(),
	}
	m.tasks[task.ID] = task
	for _, dep := range task.Dependencies {
		m.dependents[dep.TaskID] = append(m.dependents[dep.TaskID], task.ID)
	}
	if parent, ok := m.tasks[cfg.ParentID]; ok {
		parent.ChildIDs = append(parent.ChildIDs, task.ID)
	}
	snapshot := cloneTask(task)
	m.mu.Unlock()

	m.debugLog("[taskgraph.CreateTask] id=%s title=%q level=%s deps=%d", task.ID, task.Title, task.Level, len(task.Dependencies))
	m.committed(snapshot, bus.EventTaskCreated, "")
	return snapshot, nil
}

// AddDependency adds an edge from a task to a target. The edge is rejected
// if it would create a cycle.
func (m *Manager) AddDependency(taskID string, edge models.DependencyEdge) error {
	if !edge.Kind.Valid() {
		return fmt.Errorf("add dependency: invalid kind %q", edge.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("add dependency: %s: %w", taskID, ErrTaskNotFound)
	}
	if _, ok := m.tasks[edge.TaskID]; !ok {
		return fmt.Errorf("add dependency: target %s: %w", edge.TaskID, ErrTaskNotFound)
	}
	for _, d := range task.Dependencies {
		if d.TaskID == edge.TaskID {
			return nil // already linked
		}
	}

	task.Dependencies = append(task.Dependencies, edge)
	m.dependents[edge.TaskID] = append(m.dependents[edge.TaskID], taskID)

	if m.hasCycleLocked() {
		// Roll the edge back.
		task.Dependencies = task.Dependencies[:len(task.Dependencies)-1]
		deps := m.dependents[edge.TaskID]
		m.dependents[edge.TaskID] = deps[:len(deps)-1]
		return fmt.Errorf("add dependency %s -> %s: %w", taskID, edge.TaskID, ErrCycleDetected)
	}
	return nil
}

// UpdateStatus moves a task along the state machine, rejecting transitions
// the machine does not allow.
func (m *Manager) UpdateStatus(taskID string, status models.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update status: unknown status %q", status)
	}

	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update status: %s: %w", taskID, ErrTaskNotFound)
	}
	if !transitionAllowed(task.Status, status) {
		from := task.Status
		m.mu.Unlock()
		return fmt.Errorf("update status %s: %s -> %s: %w", taskID, from, status, ErrInvalidTransition)
	}
	m.applyStatusLocked(task, status)
	snapshot := cloneTask(task)
	m.mu.Unlock()

	m.committed(snapshot, eventForStatus(status), "")
	return nil
}

// Assign binds an agent to a pending task.
func (m *Manager) Assign(taskID, agentID string) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("assign: %s: %w", taskID, ErrTaskNotFound)
	}
	if !transitionAllowed(task.Status, models.TaskStatusAssigned) {
		from := task.Status
		m.mu.Unlock()
		return fmt.Errorf("assign %s: %s -> assigned: %w", taskID, from, ErrInvalidTransition)
	}
	task.Status = models.TaskStatusAssigned
	task.AssignedAgent = agentID
	snapshot := cloneTask(task)
	m.mu.Unlock()

	m.committed(snapshot, bus.EventTaskAssigned, "")
	return nil
}

// Start moves an assigned task to running.
func (m *Manager) Start(taskID string) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("start: %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != models.TaskStatusAssigned {
		from := task.Status
		m.mu.Unlock()
		return fmt.Errorf("start %s: %s -> running: %w", taskID, from, ErrInvalidTransition)
	}
	now := time.Now()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	snapshot := cloneTask(task)
	m.mu.Unlock()

	m.committed(snapshot, bus.EventTaskStarted, "")
	return nil
}

// Complete finishes a running task and marks every edge pointing at it
// satisfied, which can unblock dependents.
func (m *Manager) Complete(taskID, output string) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("complete: %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != models.TaskStatusRunning {
		from := task.Status
		m.mu.Unlock()
		return fmt.Errorf("complete %s: %s -> completed: %w", taskID, from, ErrInvalidTransition)
	}
	m.applyStatusLocked(task, models.TaskStatusCompleted)
	task.Output = output
	for _, depID := range m.dependents[taskID] {
		dependent := m.tasks[depID]
		for i := range dependent.Dependencies {
			if dependent.Dependencies[i].TaskID == taskID {
				dependent.Dependencies[i].Satisfied = true
			}
		}
	}
	snapshot := cloneTask(task)
	m.mu.Unlock()

	m.debugLog("[taskgraph.Complete] id=%s unblock candidates=%d", taskID, len(m.Dependents(taskID)))
	m.committed(snapshot, bus.EventTaskCompleted, "")
	return nil
}

// Fail records a failure. Below the retry threshold the task returns to
// pending for re-selection; at the threshold it becomes terminal.
func (m *Manager) Fail(taskID string, taskErr error) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("fail: %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != models.TaskStatusRunning && task.Status != models.TaskStatusAssigned {
		from := task.Status
		m.mu.Unlock()
		return fmt.Errorf("fail %s: %s -> failed: %w", taskID, from, ErrInvalidTransition)
	}

	task.RetryCount++
	if taskErr != nil {
		task.Error = taskErr.Error()
	}

	retrying := task.RetryCount < maxRetries
	if retrying {
		task.Status = models.TaskStatusPending
		task.AssignedAgent = ""
		task.StartedAt = nil
	} else {
		m.applyStatusLocked(task, models.TaskStatusFailed)
	}
	snapshot := cloneTask(task)
	m.mu.Unlock()

	if retrying {
		m.debugLog("[taskgraph.Fail] id=%s retry %d/%d", taskID, snapshot.RetryCount, maxRetries)
		m.committed(snapshot, bus.EventTaskRetried, snapshot.Error)
	} else {
		m.debugLog("[taskgraph.Fail] id=%s terminal after %d attempts", taskID, snapshot.RetryCount)
		m.committed(snapshot, bus.EventTaskFailed, snapshot.Error)
	}
	return nil
}

// Cancel aborts a task that has not reached a terminal state.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cancel: %s: %w", taskID, ErrTaskNotFound)
	}
	if !transitionAllowed(task.Status, models.TaskStatusCancelled) {
		from := task.Status
		m.mu.Unlock()
		return fmt.Errorf("cancel %s: %s -> cancelled: %w", taskID, from, ErrInvalidTransition)
	}
	m.applyStatusLocked(task, models.TaskStatusCancelled)
	snapshot := cloneTask(task)
	m.mu.Unlock()

	m.committed(snapshot, bus.EventTaskCancelled, "")
	return nil
}

// Reject ends a running leaf task whose changes the approval gate declined.
// Rejection is a decision, not a fault: no retry.
func (m *Manager) Reject(taskID, reason string) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("reject: %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != models.TaskStatusRunning {
		from := task.Status
		m.mu.Unlock()
		return fmt.Errorf("reject %s: %s -> rejected: %w", taskID, from, ErrInvalidTransition)
	}
	m.applyStatusLocked(task, models.TaskStatusRejected)
	task.Error = reason
	snapshot := cloneTask(task)
	m.mu.Unlock()

	m.committed(snapshot, bus.EventTaskRejected, reason)
	return nil
}

// MarkMerged records that a completed leaf task's branch reached the
// shared workspace.
func (m *Manager) MarkMerged(taskID string) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mark merged: %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != models.TaskStatusCompleted {
		from := task.Status
		m.mu.Unlock()
		return fmt.Errorf("mark merged %s: %s -> merged: %w", taskID, from, ErrInvalidTransition)
	}
	task.Status = models.TaskStatusMerged
	snapshot := cloneTask(task)
	m.mu.Unlock()

	m.committed(snapshot, bus.EventTaskMerged, "")
	return nil
}

// ReadyTasks returns every pending task whose blocking dependencies have
// all completed, ordered by descending priority then ascending level.
// Informational edges never gate.
func (m *Manager) ReadyTasks() []*models.Task {
	m.mu.RLock()
	var ready []*models.Task
	for _, task := range m.tasks {
		if task.Status != models.TaskStatusPending {
			continue
		}
		if m.blockedLocked(task) {
			continue
		}
		ready = append(ready, cloneTask(task))
	}
	m.mu.RUnlock()

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if ready[i].Level != ready[j].Level {
			return ready[i].Level < ready[j].Level
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// blockedLocked reports whether any blocking dependency is unsatisfied.
func (m *Manager) blockedLocked(task *models.Task) bool {
	for _, dep := range task.Dependencies {
		if dep.Kind != models.DependencyBlocking {
			continue
		}
		target, ok := m.tasks[dep.TaskID]
		if !ok || !target.Status.Succeeded() {
			return true
		}
	}
	return false
}

// Get returns a copy of the task.
func (m *Manager) Get(taskID string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("get: %s: %w", taskID, ErrTaskNotFound)
	}
	return cloneTask(task), nil
}

// Dependents returns the IDs of tasks holding an edge to the given task.
func (m *Manager) Dependents(taskID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.dependents[taskID]...)
}

// TasksForMission returns copies of every task in a mission, oldest first.
func (m *Manager) TasksForMission(missionID string) []*models.Task {
	m.mu.RLock()
	var tasks []*models.Task
	for _, task := range m.tasks {
		if task.MissionID == missionID {
			tasks = append(tasks, cloneTask(task))
		}
	}
	m.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

// Size returns the number of tasks in the graph.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

func (m *Manager) applyStatusLocked(task *models.Task, status models.TaskStatus) {
	task.Status = status
	if status.Terminal() || status == models.TaskStatusCompleted {
		now := time.Now()
		task.CompletedAt = &now
	}
}

// committed runs the post-mutation side effects: wake the scheduler,
// publish the event, persist the snapshot.
func (m *Manager) committed(snapshot *models.Task, eventType bus.EventType, message string) {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Type:      eventType,
			MissionID: snapshot.MissionID,
			TaskID:    snapshot.ID,
			AgentID:   snapshot.AssignedAgent,
			Message:   message,
		})
	}
	if m.persist != nil {
		go m.persist(snapshot)
	}
}

func eventForStatus(status models.TaskStatus) bus.EventType {
	switch status {
	case models.TaskStatusAssigned:
		return bus.EventTaskAssigned
	case models.TaskStatusRunning:
		return bus.EventTaskStarted
	case models.TaskStatusCompleted:
		return bus.EventTaskCompleted
	case models.TaskStatusFailed:
		return bus.EventTaskFailed
	case models.TaskStatusCancelled:
		return bus.EventTaskCancelled
	case models.TaskStatusRejected:
		return bus.EventTaskRejected
	case models.TaskStatusMerged:
		return bus.EventTaskMerged
	default:
		return bus.EventTaskCreated
	}
}

// hasCycleLocked detects back edges with three-color depth-first search.
func (m *Manager) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(m.tasks))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		task := m.tasks[id]
		for _, dep := range task.Dependencies {
			switch colors[dep.TaskID] {
			case 1:
				return true
			case 0:
				if _, ok := m.tasks[dep.TaskID]; ok {
					if visit(dep.TaskID) {
						return true
					}
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range m.tasks {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.ChildIDs = append([]string(nil), t.ChildIDs...)
	c.Dependencies = append([]models.DependencyEdge(nil), t.Dependencies...)
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}
