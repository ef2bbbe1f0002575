package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kunho817/echelon/internal/vbranch"
	"github.com/kunho817/echelon/pkg/models"
)

// SaveMission upserts a mission record.
func (s *Store) SaveMission(m *models.Mission) error {
	_, err := s.Exec(`
		INSERT INTO missions (id, objective, plan_path, root_task_id, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			objective = excluded.objective,
			plan_path = excluded.plan_path,
			root_task_id = excluded.root_task_id,
			status = excluded.status,
			completed_at = excluded.completed_at
	`, m.ID, m.Objective, m.PlanPath, m.RootTaskID, string(m.Status),
		formatTime(m.StartedAt), nullableTime(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("save mission %s: %w", m.ID, err)
	}
	return nil
}

// LoadMission reads one mission by ID.
func (s *Store) LoadMission(id string) (*models.Mission, error) {
	row := s.QueryRow(`
		SELECT id, objective, plan_path, root_task_id, status, started_at, completed_at
		FROM missions WHERE id = ?
	`, id)
	return scanMission(row)
}

// LatestMission reads the most recently started mission, or nil when the
// database holds none.
func (s *Store) LatestMission() (*models.Mission, error) {
	row := s.QueryRow(`
		SELECT id, objective, plan_path, root_task_id, status, started_at, completed_at
		FROM missions ORDER BY started_at DESC, id DESC LIMIT 1
	`)
	m, err := scanMission(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func scanMission(row *sql.Row) (*models.Mission, error) {
	var m models.Mission
	var planPath, rootTaskID sql.NullString
	var status, startedAt string
	var completedAt sql.NullString

	err := row.Scan(&m.ID, &m.Objective, &planPath, &rootTaskID, &status, &startedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan mission: %w", err)
	}

	m.PlanPath = planPath.String
	m.RootTaskID = rootTaskID.String
	m.Status = models.MissionStatus(status)
	if m.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse mission started_at: %w", err)
	}
	m.CompletedAt = parseNullableTime(completedAt)
	return &m, nil
}

// SaveTask upserts a task record. Dependency edges are stored as JSON.
func (s *Store) SaveTask(t *models.Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies for %s: %w", t.ID, err)
	}

	_, err = s.Exec(`
		INSERT INTO tasks (id, mission_id, parent_id, title, description, type, level,
			status, priority, complexity, dependencies, assigned_agent, output, error,
			retry_count, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			dependencies = excluded.dependencies,
			assigned_agent = excluded.assigned_agent,
			output = excluded.output,
			error = excluded.error,
			retry_count = excluded.retry_count,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, t.ID, t.MissionID, t.ParentID, t.Title, t.Description, t.Type, int(t.Level),
		string(t.Status), t.Priority, t.Complexity, string(deps), t.AssignedAgent,
		t.Output, t.Error, t.RetryCount, formatTime(t.CreatedAt),
		nullableTime(t.StartedAt), nullableTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// TasksForMission reads every task of a mission, oldest first.
func (s *Store) TasksForMission(missionID string) ([]*models.Task, error) {
	rows, err := s.Query(`
		SELECT id, mission_id, parent_id, title, description, type, level,
			status, priority, complexity, dependencies, assigned_agent, output, error,
			retry_count, created_at, started_at, completed_at
		FROM tasks WHERE mission_id = ? ORDER BY created_at, id
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("query tasks for mission %s: %w", missionID, err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(rows *sql.Rows) (*models.Task, error) {
	var t models.Task
	var parentID, description, taskType, complexity, deps, agent, output, taskErr sql.NullString
	var level int
	var status, createdAt string
	var startedAt, completedAt sql.NullString

	err := rows.Scan(&t.ID, &t.MissionID, &parentID, &t.Title, &description, &taskType,
		&level, &status, &t.Priority, &complexity, &deps, &agent, &output, &taskErr,
		&t.RetryCount, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.ParentID = parentID.String
	t.Description = description.String
	t.Type = taskType.String
	t.Level = models.Level(level)
	t.Status = models.TaskStatus(status)
	t.Complexity = complexity.String
	t.AssignedAgent = agent.String
	t.Output = output.String
	t.Error = taskErr.String
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies for %s: %w", t.ID, err)
		}
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse task created_at: %w", err)
	}
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

// SaveAgent upserts an agent record.
func (s *Store) SaveAgent(a *models.Agent) error {
	_, err := s.Exec(`
		INSERT INTO agents (id, level, role, parent_id, status, current_task,
			tasks_completed, tasks_failed, avg_exec_millis, created_at, terminated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_task = excluded.current_task,
			tasks_completed = excluded.tasks_completed,
			tasks_failed = excluded.tasks_failed,
			avg_exec_millis = excluded.avg_exec_millis,
			terminated_at = excluded.terminated_at
	`, a.ID, int(a.Level), a.Role, a.ParentID, string(a.Status), a.CurrentTaskID,
		a.TasksCompleted, a.TasksFailed, a.AvgExecMillis,
		formatTime(a.CreatedAt), nullableTime(a.TerminatedAt))
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// SaveBranch upserts a branch record. Only the touched paths are stored;
// file contents stay with the in-memory store.
func (s *Store) SaveBranch(b *vbranch.Branch) error {
	paths := make([]string, 0, len(b.Changes))
	for path := range b.Changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	files, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("marshal files for %s: %w", b.ID, err)
	}

	_, err = s.Exec(`
		INSERT INTO branches (id, agent_id, task_id, status, files, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			files = excluded.files,
			closed_at = excluded.closed_at
	`, b.ID, b.AgentID, b.TaskID, string(b.Status), string(files),
		formatTime(b.CreatedAt), nullableTime(b.ClosedAt))
	if err != nil {
		return fmt.Errorf("save branch %s: %w", b.ID, err)
	}
	return nil
}
