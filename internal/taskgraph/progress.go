package taskgraph

import "github.com/kunho817/echelon/pkg/models"

// Progress summarizes one mission's task tree.
type Progress struct {
	// Total is the number of tasks in the mission.
	Total int `json:"total"`
	// Counts holds the task count per status.
	Counts map[models.TaskStatus]int `json:"counts"`
	// Ready is the number of pending tasks whose blocking dependencies
	// are all satisfied.
	Ready int `json:"ready"`
	// Starved is the number of pending tasks that can never run because
	// a blocking dependency (directly or transitively) ended in failure,
	// cancellation, or rejection.
	Starved int `json:"starved"`
	// Finished is true when no task is pending, assigned, or running.
	Finished bool `json:"finished"`
	// Succeeded is true when the mission finished and every task reached
	// a successful terminal state.
	Succeeded bool `json:"succeeded"`
}

// MissionProgress reports the mission's task counts. Tasks gated on dead
// dependencies are reported as starved rather than folded into pending,
// so a stalled mission is visible as such.
func (m *Manager) MissionProgress(missionID string) Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := Progress{Counts: make(map[models.TaskStatus]int)}

	// starvation state per task: 0 unknown, 1 live, 2 starved
	starved := make(map[string]int)
	var isStarved func(id string) bool
	isStarved = func(id string) bool {
		switch starved[id] {
		case 1:
			return false
		case 2:
			return true
		}
		starved[id] = 1 // mark before recursing so a dependency cycle terminates
		task, ok := m.tasks[id]
		if !ok {
			starved[id] = 2
			return true
		}
		dead := false
		switch task.Status {
		case models.TaskStatusFailed, models.TaskStatusCancelled, models.TaskStatusRejected:
			dead = true
		default:
			for _, dep := range task.Dependencies {
				if dep.Kind != models.DependencyBlocking {
					continue
				}
				if isStarved(dep.TaskID) {
					dead = true
					break
				}
			}
		}
		if dead {
			starved[id] = 2
			return true
		}
		return false
	}

	allSucceeded := true
	for id, task := range m.tasks {
		if task.MissionID != missionID {
			continue
		}
		p.Total++
		p.Counts[task.Status]++
		if !task.Status.Succeeded() {
			allSucceeded = false
		}
		if task.Status == models.TaskStatusPending {
			if isStarved(id) {
				p.Starved++
			} else if !m.blockedLocked(task) {
				p.Ready++
			}
		}
	}

	active := p.Counts[models.TaskStatusPending] +
		p.Counts[models.TaskStatusAssigned] +
		p.Counts[models.TaskStatusRunning]
	p.Finished = p.Total > 0 && active == 0
	p.Succeeded = p.Finished && allSucceeded
	return p
}
