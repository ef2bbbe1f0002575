// Package hierarchy owns agent identity, per-level population ceilings,
// and idle-agent reuse and spawn decisions.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/pkg/models"
)

// ErrCapacityExceeded indicates a level's population ceiling is reached.
var ErrCapacityExceeded = errors.New("agent capacity exceeded")

// ErrAgentNotFound indicates an operation referenced an unknown agent ID.
var ErrAgentNotFound = errors.New("agent not found")

// emaWeight is the smoothing factor for the execution-time moving average.
const emaWeight = 0.3

// PersistFunc receives an agent snapshot after every mutation, invoked
// fire-and-forget.
type PersistFunc func(*models.Agent)

// Manager is the arena of agent records. An agent's level is fixed at
// creation; the population at a level never exceeds the level's ceiling
// while active.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond
	// agents maps agent ID to the authoritative record.
	agents map[string]*models.Agent
	// byLevel holds the IDs of non-terminated agents per level, in spawn order.
	byLevel map[models.Level][]string
	// reserved marks idle agents handed out by FindOrSpawn but not yet
	// bound to a task.
	reserved map[string]bool
	// ceilings caps the active population per level; zero means unbounded.
	ceilings map[models.Level]int
	bus      *bus.Bus
	persist  PersistFunc
	debugLog func(format string, args ...interface{})
}

// New creates a hierarchy manager with the given per-level spawn ceilings.
func New(ceilings map[models.Level]int) *Manager {
	m := &Manager{
		agents:   make(map[string]*models.Agent),
		byLevel:  make(map[models.Level][]string),
		reserved: make(map[string]bool),
		ceilings: ceilings,
		debugLog: func(format string, args ...interface{}) {},
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetBus wires the event bus.
func (m *Manager) SetBus(b *bus.Bus) { m.bus = b }

// SetPersist wires the durability hook.
func (m *Manager) SetPersist(fn PersistFunc) { m.persist = fn }

// SetDebugLog sets the debug logging function.
func (m *Manager) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		m.debugLog = fn
	}
}

// Spawn creates a new idle agent at the level, failing when the level's
// population ceiling is reached.
func (m *Manager) Spawn(level models.Level, role, parentID string) (*models.Agent, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("spawn: invalid level %d", level)
	}

	m.mu.Lock()
	agent, err := m.spawnLocked(level, role, parentID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.committed(agent, bus.EventAgentSpawned)
	return agent, nil
}

// spawnLocked creates the agent under the lock and returns a snapshot.
func (m *Manager) spawnLocked(level models.Level, role, parentID string) (*models.Agent, error) {
	if !m.canSpawnLocked(level) {
		return nil, fmt.Errorf("spawn at %s (population %d, ceiling %d): %w",
			level, len(m.byLevel[level]), m.ceilings[level], ErrCapacityExceeded)
	}

	agent := &models.Agent{
		ID:        uuid.New().String(),
		Level:     level,
		Role:      role,
		ParentID:  parentID,
		Status:    models.AgentStatusIdle,
		CreatedAt: time.Now(),
	}
	m.agents[agent.ID] = agent
	m.byLevel[level] = append(m.byLevel[level], agent.ID)
	if parent, ok := m.agents[parentID]; ok {
		parent.ChildIDs = append(parent.ChildIDs, agent.ID)
	}
	m.debugLog("[hierarchy.Spawn] id=%s level=%s role=%q population=%d", agent.ID, level, role, len(m.byLevel[level]))
	return cloneAgent(agent), nil
}

func (m *Manager) canSpawnLocked(level models.Level) bool {
	ceiling := m.ceilings[level]
	return ceiling == 0 || len(m.byLevel[level]) < ceiling
}

// FindIdle returns an idle, unreserved agent at the level, or nil.
func (m *Manager) FindIdle(level models.Level) *models.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent := m.findIdleLocked(level); agent != nil {
		return cloneAgent(agent)
	}
	return nil
}

func (m *Manager) findIdleLocked(level models.Level) *models.Agent {
	for _, id := range m.byLevel[level] {
		agent := m.agents[id]
		if agent.Status == models.AgentStatusIdle && !m.reserved[id] {
			return agent
		}
	}
	return nil
}

// FindOrSpawn returns an agent for the level: an idle one when available,
// a fresh one while under the ceiling, and otherwise it blocks until an
// agent at the level goes idle or the context ends. The returned agent is
// reserved for the caller until AssignTask or Release.
func (m *Manager) FindOrSpawn(ctx context.Context, level models.Level, role, parentID string) (*models.Agent, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("find or spawn: invalid level %d", level)
	}

	// Cancellation has to interrupt cond.Wait.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	agent, spawned, err := m.acquire(ctx, level, role, parentID)
	if err != nil {
		return nil, err
	}
	if spawned {
		m.committed(agent, bus.EventAgentSpawned)
	}
	return agent, nil
}

func (m *Manager) acquire(ctx context.Context, level models.Level, role, parentID string) (*models.Agent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, fmt.Errorf("find or spawn at %s: %w", level, err)
		}
		if agent := m.findIdleLocked(level); agent != nil {
			m.reserved[agent.ID] = true
			return cloneAgent(agent), false, nil
		}
		if m.canSpawnLocked(level) {
			agent, err := m.spawnLocked(level, role, parentID)
			if err != nil {
				return nil, false, err
			}
			m.reserved[agent.ID] = true
			return agent, true, nil
		}
		m.debugLog("[hierarchy.FindOrSpawn] level %s saturated, waiting", level)
		m.cond.Wait()
	}
}

// Release returns a reserved agent to the idle pool without a task having
// run. Used when dispatch fails between acquisition and assignment.
func (m *Manager) Release(agentID string) {
	m.mu.Lock()
	delete(m.reserved, agentID)
	m.cond.Broadcast()
	m.mu.Unlock()
}

// AssignTask binds a task to an agent and marks it busy.
func (m *Manager) AssignTask(agentID, taskID string) error {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("assign task: %s: %w", agentID, ErrAgentNotFound)
	}
	if agent.Status != models.AgentStatusIdle {
		status := agent.Status
		m.mu.Unlock()
		return fmt.Errorf("assign task: agent %s is %s, not idle", agentID, status)
	}
	agent.Status = models.AgentStatusBusy
	agent.CurrentTaskID = taskID
	delete(m.reserved, agentID)
	snapshot := cloneAgent(agent)
	m.mu.Unlock()

	m.committed(snapshot, "")
	return nil
}

// CompleteTask returns a busy agent to idle, updating its completion and
// failure counters and the execution-time moving average.
func (m *Manager) CompleteTask(agentID string, success bool, elapsed time.Duration) error {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("complete task: %s: %w", agentID, ErrAgentNotFound)
	}
	if agent.Status != models.AgentStatusBusy {
		status := agent.Status
		m.mu.Unlock()
		return fmt.Errorf("complete task: agent %s is %s, not busy", agentID, status)
	}
	agent.Status = models.AgentStatusIdle
	agent.CurrentTaskID = ""
	if success {
		agent.TasksCompleted++
	} else {
		agent.TasksFailed++
	}
	millis := float64(elapsed.Milliseconds())
	if agent.AvgExecMillis == 0 {
		agent.AvgExecMillis = millis
	} else {
		agent.AvgExecMillis = emaWeight*millis + (1-emaWeight)*agent.AvgExecMillis
	}
	snapshot := cloneAgent(agent)
	m.cond.Broadcast()
	m.mu.Unlock()

	m.committed(snapshot, "")
	return nil
}

// Terminate retires an agent. With cascade, descendants are terminated
// depth-first before the agent itself.
func (m *Manager) Terminate(agentID string, cascade bool) error {
	m.mu.Lock()
	retired, err := m.terminateLocked(agentID, cascade)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.cond.Broadcast()
	m.mu.Unlock()

	for _, snapshot := range retired {
		m.committed(snapshot, bus.EventAgentTerminated)
	}
	return nil
}

func (m *Manager) terminateLocked(agentID string, cascade bool) ([]*models.Agent, error) {
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("terminate: %s: %w", agentID, ErrAgentNotFound)
	}
	if agent.Status == models.AgentStatusTerminated {
		return nil, nil
	}

	var retired []*models.Agent
	if cascade {
		for _, childID := range agent.ChildIDs {
			children, err := m.terminateLocked(childID, true)
			if err != nil && !errors.Is(err, ErrAgentNotFound) {
				return nil, err
			}
			retired = append(retired, children...)
		}
	}

	now := time.Now()
	agent.Status = models.AgentStatusTerminated
	agent.CurrentTaskID = ""
	agent.TerminatedAt = &now
	delete(m.reserved, agentID)
	m.byLevel[agent.Level] = removeID(m.byLevel[agent.Level], agentID)
	m.debugLog("[hierarchy.Terminate] id=%s level=%s population=%d", agentID, agent.Level, len(m.byLevel[agent.Level]))
	return append(retired, cloneAgent(agent)), nil
}

// TerminateAll retires every active agent. Used on mission teardown.
func (m *Manager) TerminateAll() {
	m.mu.Lock()
	var retired []*models.Agent
	for _, agent := range m.agents {
		if agent.Status == models.AgentStatusTerminated {
			continue
		}
		now := time.Now()
		agent.Status = models.AgentStatusTerminated
		agent.CurrentTaskID = ""
		agent.TerminatedAt = &now
		m.byLevel[agent.Level] = removeID(m.byLevel[agent.Level], agent.ID)
		retired = append(retired, cloneAgent(agent))
	}
	m.reserved = make(map[string]bool)
	m.cond.Broadcast()
	m.mu.Unlock()

	for _, snapshot := range retired {
		m.committed(snapshot, bus.EventAgentTerminated)
	}
}

// Get returns a copy of the agent.
func (m *Manager) Get(agentID string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("get: %s: %w", agentID, ErrAgentNotFound)
	}
	return cloneAgent(agent), nil
}

// PopulationAt returns the number of non-terminated agents at the level.
func (m *Manager) PopulationAt(level models.Level) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byLevel[level])
}

// ActiveAgents returns copies of every non-terminated agent.
func (m *Manager) ActiveAgents() []*models.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var agents []*models.Agent
	for level := models.LevelStrategist; level <= models.LevelExecutor; level++ {
		for _, id := range m.byLevel[level] {
			agents = append(agents, cloneAgent(m.agents[id]))
		}
	}
	return agents
}

// committed runs post-mutation side effects outside the lock.
func (m *Manager) committed(snapshot *models.Agent, eventType bus.EventType) {
	if m.bus != nil && eventType != "" {
		m.bus.Publish(bus.Event{
			Type:    eventType,
			AgentID: snapshot.ID,
			Message: fmt.Sprintf("%s %s", snapshot.Level, snapshot.Role),
		})
	}
	if m.persist != nil {
		go m.persist(snapshot)
	}
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func cloneAgent(a *models.Agent) *models.Agent {
	c := *a
	c.ChildIDs = append([]string(nil), a.ChildIDs...)
	if a.TerminatedAt != nil {
		terminated := *a.TerminatedAt
		c.TerminatedAt = &terminated
	}
	return &c
}
